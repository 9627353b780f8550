// Package heartbeat ingests agent heartbeats: it refreshes the device
// snapshot and reconciles the reported services and software against what
// was stored before.
package heartbeat

import (
	"context"
	"time"

	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
)

// Notifier is told about committed heartbeats and devices that went offline.
type Notifier interface {
	HeartbeatProcessed(res Result)
	DevicesOffline(devices []store.Device)
}

type nopNotifier struct{}

func (nopNotifier) HeartbeatProcessed(Result) {}
func (nopNotifier) DevicesOffline([]store.Device) {}

// Result describes the state written by one heartbeat.
type Result struct {
	Device   *store.Device         `json:"device"`
	Services store.ReconcileCounts `json:"services"`
	Software store.ReconcileCounts `json:"software"`
}

type Processor struct {
	store    *store.Store
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProcessor(st *store.Store, notifier Notifier, logger zerolog.Logger) *Processor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Processor{
		store:    st,
		notifier: notifier,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process applies payload for the device owned by token. token must come from
// a successful authentication. Nothing is written unless the whole heartbeat
// is accepted.
func (p *Processor) Process(ctx context.Context, token *store.AgentToken, payload Payload) (*Result, error) {
	if token == nil {
		return nil, apperr.Authentication("invalid token")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.AgentID != "" && payload.AgentID != token.AgentID {
		p.logger.Warn().
			Str("agent_id", token.AgentID).
			Str("claimed_agent_id", payload.AgentID).
			Msg("heartbeat rejected: agent_id does not match token")
		return nil, apperr.Validation("agent_id mismatch", "agent_id")
	}

	services := cleanNames(payload.Services)
	software := cleanNames(payload.InstalledSoftware)
	now := p.now()

	var res Result
	err := p.store.Transaction(ctx, func(tx *store.Store) error {
		device, err := tx.UpsertDevice(ctx, &store.Device{
			AgentTokenID:    token.ID,
			Hostname:        payload.Hostname,
			OSType:          payload.OSType,
			OSVersion:       payload.OSVersion,
			CPUInfo:         payload.CPUInfo,
			MemoryTotal:     payload.MemoryTotal,
			MemoryAvailable: payload.MemoryAvailable,
			IPAddresses:     payload.IPAddresses,
			IsOnline:        true,
			LastHeartbeat:   now,
			FirstSeen:       now,
		})
		if err != nil {
			return err
		}
		res.Device = device

		if res.Services, err = tx.ReconcileServices(ctx, device.ID, services, now); err != nil {
			return err
		}
		res.Software, err = tx.ReconcileSoftware(ctx, device.ID, software, now)
		return err
	})
	if err != nil {
		return nil, apperr.Internal("failed to process heartbeat", err)
	}

	p.logger.Debug().
		Str("agent_id", token.AgentID).
		Uint("device_id", res.Device.ID).
		Int("services", res.Services.Present).
		Int64("services_deactivated", res.Services.Deactivated).
		Int("software", res.Software.Present).
		Int64("software_removed", res.Software.Deactivated).
		Msg("heartbeat processed")
	p.notifier.HeartbeatProcessed(res)
	return &res, nil
}

// SweepOffline marks every online device that has not sent a heartbeat within
// olderThan as offline and returns how many changed.
func (p *Processor) SweepOffline(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, apperr.Validation("offline threshold must be positive")
	}
	stale, err := p.store.MarkOffline(ctx, p.now().Add(-olderThan))
	if err != nil {
		return 0, apperr.Internal("offline sweep failed", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	for _, d := range stale {
		p.logger.Info().
			Uint("device_id", d.ID).
			Str("hostname", d.Hostname).
			Time("last_heartbeat", d.LastHeartbeat).
			Msg("device went offline")
	}
	p.notifier.DevicesOffline(stale)
	return len(stale), nil
}
