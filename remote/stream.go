package remote

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a server push on the tier-events stream.
type Event struct {
	// Type is the event kind. The SDK only acts on "tiers_changed";
	// everything else is ignored so the server can add kinds freely.
	Type string `json:"type"`

	// Tier is set on tier-scoped events, -1 otherwise.
	Tier int `json:"tier"`
}

// EventStream subscribes to the service's tier-events WebSocket and
// invokes a callback when the server announces working-set changes.
//
// The stream is a hint channel only: the periodic sync loop remains the
// source of truth, a hint merely pulls the next cycle forward. Loss of
// the stream is therefore harmless; it reconnects with backoff and the
// SDK keeps functioning on the interval alone.
type EventStream struct {
	url    string
	header http.Header
}

// NewEventStream derives the stream endpoint from the service base URL.
func NewEventStream(baseURL, apiKey string) (*EventStream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/tiers/events"

	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return &EventStream{url: u.String(), header: header}, nil
}

// Run connects and dispatches events until ctx is cancelled. Each
// "tiers_changed" event invokes onHint once. Run never returns an error:
// it logs and reconnects.
func (s *EventStream) Run(ctx context.Context, onHint func()) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.readLoop(ctx, onHint); err != nil && ctx.Err() == nil {
			log.Printf("[STREAM] connection lost: %v (reconnecting in %s)", err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *EventStream) readLoop(ctx context.Context, onHint func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log.Printf("[STREAM] connected to %s", s.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[STREAM] skipping malformed event: %v", err)
			continue
		}
		if ev.Type == "tiers_changed" {
			onHint()
		}
	}
}
