// Package signreq mints and redeems one-time signature request tokens.
package signreq

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/signet/internal/workflow"
	"github.com/pitabwire/signet/model"
)

const (
	tokenBytes = 32

	// DefaultWindow is used when neither the template nor config set a deadline.
	DefaultWindow = 72 * time.Hour
)

// GenerateToken returns a URL-safe token carrying 256 bits of entropy.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 of a token. Only this value is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Minter issues signature requests for activated steps. It implements
// workflow.TokenIssuer.
type Minter struct {
	window time.Duration
	now    func() time.Time
}

// NewMinter creates a Minter. A non-positive window falls back to DefaultWindow.
func NewMinter(window time.Duration) *Minter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Minter{window: window, now: time.Now}
}

// WithClock overrides time.Now. For testing.
func (m *Minter) WithClock(now func() time.Time) *Minter {
	m.now = now
	return m
}

// Issue creates and stores a request for step within tx and returns the
// plaintext token. expires_at is the deadline when set, otherwise now plus
// the configured window.
func (m *Minter) Issue(ctx context.Context, tx workflow.Tx, step model.WorkflowStep, deadline *time.Time) (string, model.SignatureRequest, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", model.SignatureRequest{}, err
	}
	now := m.now().UTC()
	expires := now.Add(m.window)
	if deadline != nil {
		expires = deadline.UTC()
	}
	req := model.SignatureRequest{
		ID:         uuid.New().String(),
		StepID:     step.ID,
		InstanceID: step.InstanceID,
		TokenHash:  HashToken(token),
		ExpiresAt:  expires,
		CreatedAt:  now,
	}
	if err := tx.InsertRequest(ctx, req); err != nil {
		return "", model.SignatureRequest{}, err
	}
	return token, req, nil
}
