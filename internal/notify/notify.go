// Package notify delivers workflow notifications to external systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/model"
)

// Notifier delivers a single notification.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// LogNotifier writes notifications to a zap logger. The token is never logged.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n model.Notification) error {
	fields := []zap.Field{
		zap.String("type", string(n.Type)),
		zap.String("instance_id", n.InstanceID),
	}
	if n.StepID != "" {
		fields = append(fields, zap.String("step_id", n.StepID), zap.String("party_id", n.PartyID))
	}
	if n.ExpiresAt != nil {
		fields = append(fields, zap.Time("expires_at", *n.ExpiresAt))
	}
	l.logger.Info("workflow notification", fields...)
	return nil
}

// Message is the JSON body published by RedisNotifier.
type Message struct {
	Type       model.NotificationType `json:"type"`
	InstanceID string                 `json:"instance_id"`
	StepID     string                 `json:"step_id,omitempty"`
	PartyID    string                 `json:"party_id,omitempty"`
	Token      string                 `json:"token,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	SentAt     time.Time              `json:"sent_at"`
}

// RedisNotifier publishes notifications as JSON on a Redis channel, for a
// delivery service subscribed to it.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
	now     func() time.Time
}

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "signet:notifications"

// NewRedisNotifier creates a RedisNotifier.
func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, now: time.Now}
}

func (r *RedisNotifier) Notify(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(Message{
		Type:       n.Type,
		InstanceID: n.InstanceID,
		StepID:     n.StepID,
		PartyID:    n.PartyID,
		Token:      n.Token,
		ExpiresAt:  n.ExpiresAt,
		SentAt:     r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", r.channel, err)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory. For testing.
type Recorder struct {
	mu    sync.Mutex
	notes []model.Notification
	Err   error
}

func (r *Recorder) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.Err
}

// Notifications returns a copy of what was recorded.
func (r *Recorder) Notifications() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.notes...)
}

// OfType returns the recorded notifications of type t.
func (r *Recorder) OfType(t model.NotificationType) []model.Notification {
	var out []model.Notification
	for _, n := range r.Notifications() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.notes = nil
	r.mu.Unlock()
}
