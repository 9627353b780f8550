// Package deviceauth authenticates agent requests by bearer token and binds
// each token to the first device fingerprint presented with it.
package deviceauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/haasonsaas/tether/pkg/auth"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
)

// DefaultMismatchThreshold is the number of fingerprint mismatches after
// which a token is deactivated.
const DefaultMismatchThreshold = 5

const (
	msgInvalidToken        = "invalid token"
	msgFingerprintRequired = "fingerprint required"
	msgFingerprintMismatch = "fingerprint mismatch - token bound to a different device"
)

// Credentials are the values an agent presents on each request.
type Credentials struct {
	Token       string
	Fingerprint string
	Hostname    string
	// AgentID is the identity the payload claims, if any.
	AgentID string
}

type Authenticator struct {
	store     *store.Store
	threshold int
	logger    zerolog.Logger
	now       func() time.Time
}

// New returns an Authenticator. threshold <= 0 selects DefaultMismatchThreshold.
func New(st *store.Store, threshold int, logger zerolog.Logger) *Authenticator {
	if threshold <= 0 {
		threshold = DefaultMismatchThreshold
	}
	return &Authenticator{
		store:     st,
		threshold: threshold,
		logger:    logger.With().Str("component", "deviceauth").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate resolves creds to an active token bound to creds.Fingerprint.
// An unbound token is bound on first use. Callers that validate the request
// body before committing to a bind use Verify and Confirm instead.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*store.AgentToken, error) {
	token, err := a.Verify(ctx, creds)
	if err != nil {
		return nil, err
	}
	return a.Confirm(ctx, token, creds)
}

// Verify checks creds without writing anything: the token must exist and be
// active, a fingerprint must be presented and the claimed agent_id must match.
func (a *Authenticator) Verify(ctx context.Context, creds Credentials) (*store.AgentToken, error) {
	if creds.Token == "" {
		return nil, apperr.Authentication(msgInvalidToken)
	}

	token, err := a.store.TokenByValue(ctx, creds.Token)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn().Msg("authentication failed: unknown token")
		return nil, apperr.Authentication(msgInvalidToken)
	}
	if err != nil {
		return nil, apperr.Internal("authentication failed", err)
	}
	if !token.IsActive {
		a.logger.Warn().Str("agent_id", token.AgentID).Msg("authentication failed: token deactivated")
		return nil, apperr.Authentication(msgInvalidToken)
	}

	if strings.TrimSpace(creds.Fingerprint) == "" {
		a.logger.Warn().Str("agent_id", token.AgentID).Msg("authentication failed: no fingerprint presented")
		return nil, apperr.Authentication(msgFingerprintRequired)
	}

	if creds.AgentID != "" && creds.AgentID != token.AgentID {
		a.logger.Warn().
			Str("agent_id", token.AgentID).
			Str("claimed_agent_id", creds.AgentID).
			Msg("agent_id in request does not match token")
		return nil, apperr.Validation("agent_id mismatch", "agent_id")
	}
	return token, nil
}

// Confirm binds a verified token to creds.Fingerprint on first use, or checks
// the fingerprint against the bound one. Mismatches are counted and the token
// is deactivated once the threshold is reached.
func (a *Authenticator) Confirm(ctx context.Context, token *store.AgentToken, creds Credentials) (*store.AgentToken, error) {
	if token == nil {
		return nil, apperr.Authentication(msgInvalidToken)
	}
	fingerprint := strings.TrimSpace(creds.Fingerprint)
	if fingerprint == "" {
		return nil, apperr.Authentication(msgFingerprintRequired)
	}

	now := a.now()
	if !token.Bound() {
		won, err := a.store.BindFingerprint(ctx, token.ID, fingerprint, creds.Hostname, now)
		if err != nil {
			return nil, apperr.Internal("authentication failed", err)
		}
		if won {
			a.logger.Info().
				Str("agent_id", token.AgentID).
				Str("fingerprint", auth.FingerprintPrefix(fingerprint)).
				Str("hostname", creds.Hostname).
				Msg("token bound to device")
			return a.store.TokenByID(ctx, token.ID)
		}
		// another request bound it first; compare against the winner
		token, err = a.store.TokenByID(ctx, token.ID)
		if err != nil {
			return nil, apperr.Internal("authentication failed", err)
		}
	}

	if !auth.SecureCompare(token.Fingerprint(), fingerprint) {
		return nil, a.mismatch(ctx, token, fingerprint, now)
	}

	if err := a.store.TouchToken(ctx, token.ID, now); err != nil {
		return nil, apperr.Internal("authentication failed", err)
	}
	token.LastUsed = &now
	return token, nil
}

func (a *Authenticator) mismatch(ctx context.Context, token *store.AgentToken, received string, now time.Time) error {
	res, err := a.store.RecordMismatch(ctx, token.ID, a.threshold, now)
	if err != nil {
		return apperr.Internal("authentication failed", err)
	}

	a.logger.Error().
		Str("agent_id", token.AgentID).
		Str("expected_fingerprint", auth.FingerprintPrefix(token.Fingerprint())).
		Str("received_fingerprint", auth.FingerprintPrefix(received)).
		Int("mismatch_count", res.Count).
		Msg("SECURITY: fingerprint mismatch")
	if res.Deactivated {
		a.logger.Error().
			Str("agent_id", token.AgentID).
			Int("mismatch_count", res.Count).
			Msg("SECURITY: token deactivated after repeated fingerprint mismatches")
	}
	return apperr.Authentication(msgFingerprintMismatch)
}
