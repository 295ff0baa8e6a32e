// README: Emergency REST handlers for the response team and alert owners.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"oasis/internal/http/middleware"
	"oasis/internal/modules/emergency"
	"oasis/internal/types"
)

type EmergencyHandler struct {
	emergencies *emergency.Coordinator
}

func NewEmergencyHandler(em *emergency.Coordinator) *EmergencyHandler {
	return &EmergencyHandler{emergencies: em}
}

func (h *EmergencyHandler) Active(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"alerts": h.emergencies.Active()})
}

func (h *EmergencyHandler) Get(c *gin.Context) {
	alert, err := h.emergencies.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeEmergencyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, alert)
}

type resolveReq struct {
	Status emergency.Status `json:"status"`
	Notes  string           `json:"notes"`
}

func (h *EmergencyHandler) Resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Status == "" {
		req.Status = emergency.StatusResolved
	}

	err := h.emergencies.Resolve(c.Request.Context(), types.ID(c.Param("id")),
		middleware.CallerUID(c), req.Status, req.Notes)
	if err != nil {
		writeEmergencyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": req.Status})
}

func (h *EmergencyHandler) Cancel(c *gin.Context) {
	err := h.emergencies.Cancel(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c))
	if err != nil {
		writeEmergencyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": emergency.StatusCancelled})
}

func (h *EmergencyHandler) History(c *gin.Context) {
	alerts, err := h.emergencies.HistoryForUser(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeEmergencyError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"alerts": alerts})
}
