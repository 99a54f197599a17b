// Package notify dispatches sandbox lifecycle events to registered webhook
// channels so staff tooling can surface "your test assistant is about to
// expire" warnings outside the engine itself.
//
// The community server ships the webhook channel (HTTP POST with optional
// HMAC-SHA256 signing). Hosted deployments register additional channels
// (chat, email) through AddChannel.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened to a sandbox.
type EventType string

const (
	EventSandboxExpiring EventType = "sandbox_expiring"
	EventSandboxExpired  EventType = "sandbox_expired"
	EventSandboxPurged   EventType = "sandbox_purged"
)

// Event is the notification payload posted to channels.
type Event struct {
	Type        EventType  `json:"type"`
	AssistantID string     `json:"assistant_id"`
	AnimalID    string     `json:"animal_id"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// NewEvent creates an Event stamped with the given time.
func NewEvent(eventType EventType, assistantID, animalID string, expiresAt *time.Time, at time.Time) Event {
	return Event{
		Type:        eventType,
		AssistantID: assistantID,
		AnimalID:    animalID,
		ExpiresAt:   expiresAt,
		Timestamp:   at,
	}
}

// ── Channels ────────────────────────────────────────────────

// Channel is a webhook destination. An empty Events list subscribes to all
// event types.
type Channel struct {
	Name   string
	URL    string
	Secret string
	Events []string
}

func (c *Channel) subscribes(eventType EventType) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == string(eventType) || e == "*" {
			return true
		}
	}
	return false
}

// ── Service ─────────────────────────────────────────────────

// Service fans lifecycle events out to all subscribing channels.
type Service struct {
	client   *http.Client
	mu       sync.RWMutex
	channels []Channel
	inflight sync.WaitGroup
}

// NewService creates a notification service with no channels.
func NewService() *Service {
	return &Service{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// AddChannel registers a webhook channel.
func (s *Service) AddChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, ch)
	log.Info().Str("channel", ch.Name).Str("url", ch.URL).Msg("Notification channel registered")
}

// Publish dispatches the event to every subscribing channel in the
// background and returns immediately. Delivery failures are logged and
// dropped; a slow or down webhook endpoint never stalls the sweep cycle
// that produced the event.
func (s *Service) Publish(ctx context.Context, event Event) {
	s.mu.RLock()
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	s.mu.RUnlock()

	for i := range channels {
		ch := channels[i]
		if !ch.subscribes(event.Type) {
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.send(ctx, &ch, event); err != nil {
				log.Warn().Err(err).
					Str("channel", ch.Name).
					Str("event", string(event.Type)).
					Msg("Notification delivery failed")
				return
			}
			log.Debug().
				Str("channel", ch.Name).
				Str("event", string(event.Type)).
				Str("assistant", event.AssistantID).
				Msg("Notification dispatched")
		}()
	}
}

// Drain blocks until every in-flight delivery has finished. Called on
// graceful shutdown so pending notifications are not cut off mid-send.
func (s *Service) Drain() {
	s.inflight.Wait()
}

// send posts the event as JSON to the channel's URL with optional HMAC
// signing and up to 3 attempts.
func (s *Service) send(ctx context.Context, channel *Channel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ZooTalk-Webhook/1.0")
		req.Header.Set("X-ZooTalk-Event", string(event.Type))
		if channel.Secret != "" {
			mac := hmac.New(sha256.New, []byte(channel.Secret))
			mac.Write(body)
			sig := hex.EncodeToString(mac.Sum(nil))
			req.Header.Set("X-ZooTalk-Signature", "sha256="+sig)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
