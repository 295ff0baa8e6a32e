// README: Shared handler utilities (JSON helpers, sentinel error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"oasis/internal/modules/emergency"
	"oasis/internal/modules/tracking"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeTrackingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracking.ErrSessionExists):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, tracking.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeEmergencyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, emergency.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, emergency.ErrNotCancellable):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrBadStatus):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
