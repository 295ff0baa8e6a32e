// README: FCM implementation of the emergency notification gateway.
package emergency

import (
	"context"
	"fmt"
	"log"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// opsTopic is the FCM topic the response team's devices subscribe to.
const opsTopic = "emergency-ops"

// FCMGateway pushes emergency notifications through Firebase Cloud
// Messaging. Satisfies Gateway.
type FCMGateway struct {
	msg *messaging.Client
}

// NewFCMGateway initialises the Firebase Admin SDK. With an empty
// credentialsFile the application-default credentials are used.
func NewFCMGateway(ctx context.Context, credentialsFile string) (*FCMGateway, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	msg, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return &FCMGateway{msg: msg}, nil
}

func (g *FCMGateway) NotifyEmergency(ctx context.Context, alert *Alert) error {
	msg := &messaging.Message{
		Topic: opsTopic,
		Data: map[string]string{
			"type":         string(alert.Type),
			"emergency_id": string(alert.ID),
			"user_id":      string(alert.UserID),
			"ride_id":      string(alert.RideID),
			"lat":          strconv.FormatFloat(alert.Location.Lat, 'f', 6, 64),
			"lng":          strconv.FormatFloat(alert.Location.Lng, 'f', 6, 64),
			"triggered_at": alert.TriggeredAt.Format("2006-01-02T15:04:05Z07:00"),
		},
		Notification: &messaging.Notification{
			Title: "Emergencia activa",
			Body:  fmt.Sprintf("Alerta %s de %s", alert.Type, alert.UserID),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := g.msg.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM for emergency %s: %w", alert.ID, err)
	}
	log.Printf("emergency: FCM sent for alert %s, message_id=%s", alert.ID, messageID)
	return nil
}
