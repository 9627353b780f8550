// Package registration implements agent self-registration and the admin
// decisions that turn a pending request into a fingerprint-bound token.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/haasonsaas/tether/pkg/auth"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
)

// Notifier receives registration lifecycle events after they are committed.
type Notifier interface {
	RegistrationCreated(reg store.PendingRegistration)
	RegistrationUpdated(reg store.PendingRegistration)
}

type nopNotifier struct{}

func (nopNotifier) RegistrationCreated(store.PendingRegistration) {}
func (nopNotifier) RegistrationUpdated(store.PendingRegistration) {}

// Request is what an agent submits when it asks to be registered.
type Request struct {
	AgentID           string `json:"agent_id"`
	AgentName         string `json:"agent_name"`
	Hostname          string `json:"hostname"`
	OSType            string `json:"os_type"`
	OSVersion         string `json:"os_version"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

func (r Request) normalized() Request {
	return Request{
		AgentID:           strings.TrimSpace(r.AgentID),
		AgentName:         strings.TrimSpace(r.AgentName),
		Hostname:          strings.TrimSpace(r.Hostname),
		OSType:            strings.TrimSpace(r.OSType),
		OSVersion:         strings.TrimSpace(r.OSVersion),
		DeviceFingerprint: strings.TrimSpace(r.DeviceFingerprint),
	}
}

func (r Request) missingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"agent_id", r.AgentID},
		{"agent_name", r.AgentName},
		{"hostname", r.Hostname},
		{"os_type", r.OSType},
		{"os_version", r.OSVersion},
		{"device_fingerprint", r.DeviceFingerprint},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Outcome is the result of Register. Created is false when an identical
// pending request already existed.
type Outcome struct {
	Registration *store.PendingRegistration
	Created      bool
}

const (
	StateApproved    = "approved"
	StatePending     = "pending"
	StateRejected    = "rejected"
	StateDeactivated = "deactivated"
)

// Status is what an agent sees while polling for a decision.
type Status struct {
	State         string     `json:"status"`
	AgentID       string     `json:"agent_id"`
	AgentName     string     `json:"agent_name,omitempty"`
	Token         string     `json:"token,omitempty"`
	BoundToDevice bool       `json:"bound_to_device,omitempty"`
	RequestedAt   *time.Time `json:"requested_at,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

type BulkFailure struct {
	ID    uint   `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarises a bulk approve or reject. Ids that were not pending
// are counted as skipped and never attempted.
type BulkResult struct {
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failures  []BulkFailure `json:"failures"`
}

type Workflow struct {
	store    *store.Store
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// New returns a Workflow. A nil notifier disables event delivery.
func New(st *store.Store, notifier Notifier, logger zerolog.Logger) *Workflow {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Workflow{
		store:    st,
		notifier: notifier,
		logger:   logger.With().Str("component", "registration").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register records a pending registration for the agent. Re-submitting while
// a request is still pending returns the existing record.
func (w *Workflow) Register(ctx context.Context, req Request) (*Outcome, error) {
	req = req.normalized()
	if missing := req.missingFields(); len(missing) > 0 {
		return nil, apperr.Validation("missing required fields", missing...)
	}

	log := w.logger.With().
		Str("agent_id", req.AgentID).
		Str("fingerprint", auth.FingerprintPrefix(req.DeviceFingerprint)).
		Logger()

	var outcome Outcome
	err := w.store.Transaction(ctx, func(tx *store.Store) error {
		if _, err := tx.TokenByAgentID(ctx, req.AgentID); err == nil {
			log.Warn().Msg("registration refused: agent already has a token")
			return apperr.Conflict("device already registered")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		bound, err := tx.FingerprintBound(ctx, req.DeviceFingerprint)
		if err != nil {
			return err
		}
		if bound {
			log.Error().Msg("SECURITY: registration with a fingerprint already bound to another agent")
			return apperr.Conflict("this hardware is already registered under a different agent id")
		}

		existing, err := tx.RegistrationByAgentID(ctx, req.AgentID)
		switch {
		case err == nil && existing.Status == store.StatusPending:
			outcome.Registration = existing
			return nil
		case err == nil:
			return apperr.Conflict(fmt.Sprintf("registration already processed (status: %s)", existing.Status))
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		other, err := tx.PendingRegistrationByFingerprint(ctx, req.DeviceFingerprint)
		if err == nil {
			log.Error().Str("other_agent_id", other.AgentID).Msg("SECURITY: fingerprint already has a pending registration")
			return apperr.Conflict("this hardware already has a pending registration")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		reg := &store.PendingRegistration{
			AgentID:           req.AgentID,
			AgentName:         req.AgentName,
			Hostname:          req.Hostname,
			OSType:            req.OSType,
			OSVersion:         req.OSVersion,
			DeviceFingerprint: req.DeviceFingerprint,
			Status:            store.StatusPending,
			RequestedAt:       w.now(),
		}
		if err := tx.CreateRegistration(ctx, reg); err != nil {
			return err
		}
		outcome = Outcome{Registration: reg, Created: true}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// lost an insert race; the winner's record is the answer
		existing, readErr := w.store.RegistrationByAgentID(ctx, req.AgentID)
		if readErr == nil && existing.Status == store.StatusPending {
			return &Outcome{Registration: existing}, nil
		}
		return nil, apperr.Conflict("registration conflicts with an existing record")
	}
	if err != nil {
		return nil, classify("registration failed", err)
	}

	if outcome.Created {
		log.Info().Uint("registration_id", outcome.Registration.ID).Str("hostname", req.Hostname).Msg("registration requested")
		w.notifier.RegistrationCreated(*outcome.Registration)
	}
	return &outcome, nil
}

// CheckStatus reports the decision for agentID. The token value is only
// returned while it is active.
func (w *Workflow) CheckStatus(ctx context.Context, agentID string) (*Status, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, apperr.Validation("missing required fields", "agent_id")
	}

	token, err := w.store.TokenByAgentID(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, classify("status lookup failed", err)
	}
	reg, err := w.store.RegistrationByAgentID(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, classify("status lookup failed", err)
	}

	status := &Status{AgentID: agentID}
	if reg != nil {
		status.AgentName = reg.AgentName
		requested := reg.RequestedAt
		status.RequestedAt = &requested
		status.ApprovedAt = reg.ApprovedAt
	}

	switch {
	case token != nil && token.IsActive:
		status.State = StateApproved
		status.AgentName = token.AgentName
		status.Token = token.Token
		status.BoundToDevice = token.Bound()
	case token != nil:
		status.State = StateDeactivated
		status.AgentName = token.AgentName
		status.Message = "token has been deactivated; contact an administrator"
	case reg == nil:
		return nil, apperr.NotFound("no registration found for agent")
	case reg.Status == store.StatusApproved:
		// approved without a token only happens if the token row was removed
		status.State = StateDeactivated
		status.Message = "approved token is no longer available"
	case reg.Status == store.StatusRejected:
		status.State = StateRejected
		status.Message = "registration was rejected"
	default:
		status.State = StatePending
		status.Message = "registration is awaiting approval"
	}
	return status, nil
}

// Approve transitions a pending registration to approved and issues a token
// already bound to the fingerprint the agent registered with.
func (w *Workflow) Approve(ctx context.Context, id uint, approver string) (*store.AgentToken, error) {
	approver = normalizeApprover(approver)
	now := w.now()

	var (
		token *store.AgentToken
		reg   *store.PendingRegistration
	)
	err := w.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := tx.TransitionRegistration(ctx, id, store.StatusApproved, map[string]interface{}{
			"approved_at": now,
			"approved_by": approver,
		})
		if err != nil {
			return err
		}
		if !ok {
			return notPending(ctx, tx, id, "approved")
		}

		reg, err = tx.RegistrationByID(ctx, id)
		if err != nil {
			return err
		}
		bound, err := tx.FingerprintBound(ctx, reg.DeviceFingerprint)
		if err != nil {
			return err
		}
		if bound {
			return apperr.Conflict("fingerprint is already bound to another token")
		}

		fingerprint := reg.DeviceFingerprint
		boundAt := now
		token = &store.AgentToken{
			AgentID:           reg.AgentID,
			AgentName:         reg.AgentName,
			IsActive:          true,
			DeviceFingerprint: &fingerprint,
			BoundHostname:     reg.Hostname,
			BoundAt:           &boundAt,
		}
		if err := tx.CreateToken(ctx, token); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflict("a token already exists for this agent")
			}
			return err
		}
		if err := tx.SetRegistrationToken(ctx, reg.ID, token.ID); err != nil {
			return err
		}
		reg.TokenID = &token.ID
		reg.Token = token
		return nil
	})
	if err != nil {
		return nil, classify("approval failed", err)
	}

	w.logger.Info().
		Uint("registration_id", id).
		Str("agent_id", reg.AgentID).
		Str("approved_by", approver).
		Str("fingerprint", auth.FingerprintPrefix(reg.DeviceFingerprint)).
		Msg("registration approved")
	w.notifier.RegistrationUpdated(*reg)
	return token, nil
}

// Reject transitions a pending registration to rejected.
func (w *Workflow) Reject(ctx context.Context, id uint, approver string) error {
	approver = normalizeApprover(approver)
	now := w.now()

	var reg *store.PendingRegistration
	err := w.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := tx.TransitionRegistration(ctx, id, store.StatusRejected, map[string]interface{}{
			"rejected_at": now,
			"rejected_by": approver,
		})
		if err != nil {
			return err
		}
		if !ok {
			return notPending(ctx, tx, id, "rejected")
		}
		reg, err = tx.RegistrationByID(ctx, id)
		return err
	})
	if err != nil {
		return classify("rejection failed", err)
	}

	w.logger.Info().Uint("registration_id", id).Str("agent_id", reg.AgentID).Str("rejected_by", approver).Msg("registration rejected")
	w.notifier.RegistrationUpdated(*reg)
	return nil
}

func (w *Workflow) BulkApprove(ctx context.Context, ids []uint, approver string) (BulkResult, error) {
	return w.bulk(ctx, ids, func(id uint) error {
		_, err := w.Approve(ctx, id, approver)
		return err
	})
}

func (w *Workflow) BulkReject(ctx context.Context, ids []uint, approver string) (BulkResult, error) {
	return w.bulk(ctx, ids, func(id uint) error {
		return w.Reject(ctx, id, approver)
	})
}

func (w *Workflow) bulk(ctx context.Context, ids []uint, apply func(id uint) error) (BulkResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return BulkResult{}, apperr.Validation("no registration ids given", "ids")
	}
	pending, err := w.store.PendingIDs(ctx, ids)
	if err != nil {
		return BulkResult{}, classify("bulk operation failed", err)
	}

	result := BulkResult{
		Requested: len(ids),
		Skipped:   len(ids) - len(pending),
		Failures:  []BulkFailure{},
	}
	for _, id := range pending {
		if err := apply(id); err != nil {
			result.Failures = append(result.Failures, BulkFailure{ID: id, Error: apperr.PublicMessage(err)})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// List returns registrations, optionally filtered by status.
func (w *Workflow) List(ctx context.Context, status string) ([]store.PendingRegistration, error) {
	filter := store.RegistrationStatus(strings.TrimSpace(status))
	if filter != "" && !filter.Valid() {
		return nil, apperr.Validation("invalid status filter", "status")
	}
	regs, err := w.store.ListRegistrations(ctx, filter)
	if err != nil {
		return nil, classify("list registrations failed", err)
	}
	return regs, nil
}

// CreateToken issues an unbound token directly. The first authenticated
// request binds it to a device.
func (w *Workflow) CreateToken(ctx context.Context, agentID, agentName string) (*store.AgentToken, error) {
	agentID = strings.TrimSpace(agentID)
	agentName = strings.TrimSpace(agentName)
	var missing []string
	if agentID == "" {
		missing = append(missing, "agent_id")
	}
	if agentName == "" {
		missing = append(missing, "agent_name")
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("missing required fields", missing...)
	}

	token := &store.AgentToken{AgentID: agentID, AgentName: agentName, IsActive: true}
	if err := w.store.CreateToken(ctx, token); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict("a token already exists for this agent")
		}
		return nil, classify("token creation failed", err)
	}
	w.logger.Info().Str("agent_id", agentID).Uint("token_id", token.ID).Msg("token issued manually")
	return token, nil
}

func (w *Workflow) ListTokens(ctx context.Context) ([]store.AgentToken, error) {
	tokens, err := w.store.ListTokens(ctx)
	if err != nil {
		return nil, classify("list tokens failed", err)
	}
	return tokens, nil
}

// SetTokenActive deactivates or reactivates a token.
func (w *Workflow) SetTokenActive(ctx context.Context, id uint, active bool) error {
	if err := w.store.SetTokenActive(ctx, id, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("token not found")
		}
		return classify("token update failed", err)
	}
	w.logger.Info().Uint("token_id", id).Bool("active", active).Msg("token state changed")
	return nil
}

func notPending(ctx context.Context, tx *store.Store, id uint, verb string) error {
	existing, err := tx.RegistrationByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("registration not found")
	}
	if err != nil {
		return err
	}
	return apperr.State(fmt.Sprintf("only pending registrations can be %s (status: %s)", verb, existing.Status))
}

func classify(message string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(message, err)
}

func normalizeApprover(approver string) string {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return "admin"
	}
	return approver
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
