package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/element-hq/element-builder/internal/config"
)

// HTTPSender PUTs room events to the homeserver's client-server API. Sends
// are rate limited so a chatty build cycle cannot trip the homeserver's
// flood protection.
type HTTPSender struct {
	hc       *http.Client
	base     string
	roomID   string
	token    string
	limiter  *rate.Limiter
	newTxnID func() string
	log      *zap.Logger
}

// NewHTTPSender returns a sender for the configured room. The access token
// comes from the environment binding, never the config file.
func NewHTTPSender(cfg config.Notify, log *zap.Logger) *HTTPSender {
	return &HTTPSender{
		hc:       &http.Client{Timeout: 30 * time.Second},
		base:     strings.TrimRight(cfg.Homeserver, "/"),
		roomID:   cfg.RoomID,
		token:    cfg.AccessToken,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		newTxnID: uuid.NewString,
		log:      log,
	}
}

// Send delivers one event and returns the event ID the homeserver assigned.
func (s *HTTPSender) Send(ctx context.Context, eventType string, content map[string]any) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode event content: %w", err)
	}

	// Transaction IDs make retried PUTs idempotent on the server side.
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/%s/%s",
		s.base, url.PathEscape(s.roomID), url.PathEscape(eventType), s.newTxnID())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send room event: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read homeserver response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("homeserver rejected event: %s: %s",
			resp.Status, strings.TrimSpace(string(data)))
	}

	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode homeserver response: %w", err)
	}
	return out.EventID, nil
}
