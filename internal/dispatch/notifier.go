package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-coordinator/internal/session"
)

// Notifier is the out-of-band path for participants without a live session.
type Notifier interface {
	Notify(ctx context.Context, participantID string, msg session.Message) error
}

// LogNotifier only records what would have been pushed.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, participantID string, msg session.Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("push notification", "participant_id", participantID, "ride_id", msg.RideID, "type", msg.Type)
	return nil
}

// HTTPNotifier posts each notification as JSON to a webhook, e.g. a
// provider bridge owned by the mobile team.
type HTTPNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookBody struct {
	ParticipantID string          `json:"participant_id"`
	Message       session.Message `json:"message"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, participantID string, msg session.Message) error {
	b, err := json.Marshal(webhookBody{ParticipantID: participantID, Message: msg})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook: status %d", resp.StatusCode)
	}
	return nil
}
