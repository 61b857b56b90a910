package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/ride-coordinator/internal/session"
)

type fcmSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMNotifier publishes to one FCM topic per participant. Apps subscribe
// their device token to TopicPrefix + their participant ID.
type FCMNotifier struct {
	client      fcmSender
	topicPrefix string
}

func NewFCMNotifier(ctx context.Context, projectID, credentialsFile, topicPrefix string) (*FCMNotifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCMNotifier{client: client, topicPrefix: topicPrefix}, nil
}

func (n *FCMNotifier) Topic(participantID string) string { return n.topicPrefix + participantID }

func (n *FCMNotifier) Notify(ctx context.Context, participantID string, msg session.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	m := &messaging.Message{
		Topic: n.Topic(participantID),
		Data: map[string]string{
			"type":    msg.Type,
			"ride_id": msg.RideID,
			"payload": string(payload),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := n.client.Send(ctx, m); err != nil {
		return fmt.Errorf("sending FCM to topic %s: %w", m.Topic, err)
	}
	return nil
}
