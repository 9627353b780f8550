package store

import (
	"context"
	"time"
)

func (s *Store) CreateRegistration(ctx context.Context, r *PendingRegistration) error {
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	return translate(s.conn(ctx).Create(r).Error)
}

func (s *Store) RegistrationByID(ctx context.Context, id uint) (*PendingRegistration, error) {
	var r PendingRegistration
	if err := s.conn(ctx).Preload("Token").First(&r, id).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Store) RegistrationByAgentID(ctx context.Context, agentID string) (*PendingRegistration, error) {
	var r PendingRegistration
	if err := s.conn(ctx).Preload("Token").Where("agent_id = ?", agentID).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// PendingRegistrationByFingerprint returns a pending request for fingerprint, if any.
func (s *Store) PendingRegistrationByFingerprint(ctx context.Context, fingerprint string) (*PendingRegistration, error) {
	var r PendingRegistration
	err := s.conn(ctx).
		Where("device_fingerprint = ? AND status = ?", fingerprint, StatusPending).
		First(&r).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// ListRegistrations returns registrations newest first, optionally filtered by status.
func (s *Store) ListRegistrations(ctx context.Context, status RegistrationStatus) ([]PendingRegistration, error) {
	q := s.conn(ctx).Order("requested_at desc").Order("id desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var regs []PendingRegistration
	if err := q.Find(&regs).Error; err != nil {
		return nil, err
	}
	return regs, nil
}

// PendingIDs filters ids down to the registrations that are still pending.
func (s *Store) PendingIDs(ctx context.Context, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var pending []uint
	err := s.conn(ctx).Model(&PendingRegistration{}).
		Where("id IN ? AND status = ?", ids, StatusPending).
		Order("id").
		Pluck("id", &pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// TransitionRegistration moves registration id from StatusPending to next,
// applying extra column updates. It returns false if the registration was not
// pending at the time of the update, so only one caller can win.
func (s *Store) TransitionRegistration(ctx context.Context, id uint, next RegistrationStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": next}
	for k, v := range extra {
		updates[k] = v
	}
	result := s.conn(ctx).Model(&PendingRegistration{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) CountRegistrations(ctx context.Context, status RegistrationStatus) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&PendingRegistration{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (s *Store) SetRegistrationToken(ctx context.Context, id, tokenID uint) error {
	return translate(s.conn(ctx).Model(&PendingRegistration{}).Where("id = ?", id).Update("token_id", tokenID).Error)
}
