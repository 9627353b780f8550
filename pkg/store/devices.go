package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// UpsertDevice creates the device for d.AgentTokenID or overwrites its
// snapshot fields. FirstSeen is only written on insert.
func (s *Store) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	if d.FirstSeen.IsZero() {
		d.FirstSeen = d.LastHeartbeat
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_token_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname",
			"os_type",
			"os_version",
			"cpu_info",
			"memory_total",
			"memory_available",
			"ip_addresses",
			"is_online",
			"last_heartbeat",
		}),
	}).Omit("AgentToken").Create(d).Error
	if err != nil {
		return nil, translate(err)
	}
	return s.DeviceByTokenID(ctx, d.AgentTokenID)
}

func (s *Store) DeviceByID(ctx context.Context, id uint) (*Device, error) {
	var d Device
	if err := s.conn(ctx).Preload("AgentToken").First(&d, id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Store) DeviceByTokenID(ctx context.Context, tokenID uint) (*Device, error) {
	var d Device
	if err := s.conn(ctx).Preload("AgentToken").Where("agent_token_id = ?", tokenID).First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.conn(ctx).Preload("AgentToken").Order("last_heartbeat desc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// MarkOffline flips every online device whose last heartbeat is before cutoff
// to offline and returns the devices that changed.
func (s *Store) MarkOffline(ctx context.Context, cutoff time.Time) ([]Device, error) {
	var stale []Device
	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.conn(ctx).Preload("AgentToken").
			Where("is_online = ? AND last_heartbeat < ?", true, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(stale))
		for i := range stale {
			ids = append(ids, stale[i].ID)
			stale[i].IsOnline = false
		}
		return tx.conn(ctx).Model(&Device{}).Where("id IN ?", ids).Update("is_online", false).Error
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.conn(ctx)
	if err := db.Model(&Device{}).Count(&st.TotalDevices).Error; err != nil {
		return st, err
	}
	if err := db.Model(&Device{}).Where("is_online = ?", true).Count(&st.OnlineDevices).Error; err != nil {
		return st, err
	}
	st.OfflineDevices = st.TotalDevices - st.OnlineDevices
	pending, err := s.CountRegistrations(ctx, StatusPending)
	if err != nil {
		return st, err
	}
	st.PendingRegistrations = pending
	return st, nil
}
