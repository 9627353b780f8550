package store

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/tether/pkg/auth"
	"gorm.io/gorm"
)

// CreateToken persists t, generating the token value when empty.
func (s *Store) CreateToken(ctx context.Context, t *AgentToken) error {
	if t.Token == "" {
		raw, err := auth.GenerateToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		t.Token = raw
	}
	return translate(s.conn(ctx).Create(t).Error)
}

func (s *Store) TokenByID(ctx context.Context, id uint) (*AgentToken, error) {
	var t AgentToken
	if err := s.conn(ctx).First(&t, id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *Store) TokenByValue(ctx context.Context, token string) (*AgentToken, error) {
	var t AgentToken
	if err := s.conn(ctx).Where("token = ?", token).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *Store) TokenByAgentID(ctx context.Context, agentID string) (*AgentToken, error) {
	var t AgentToken
	if err := s.conn(ctx).Where("agent_id = ?", agentID).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// FingerprintBound reports whether any token is bound to fingerprint.
func (s *Store) FingerprintBound(ctx context.Context, fingerprint string) (bool, error) {
	var count int64
	if err := s.conn(ctx).Model(&AgentToken{}).Where("device_fingerprint = ?", fingerprint).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ListTokens(ctx context.Context) ([]AgentToken, error) {
	var tokens []AgentToken
	if err := s.conn(ctx).Order("created_at desc").Order("id desc").Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

// BindFingerprint sets the fingerprint only if the token is still unbound.
// It returns false when another caller bound it first.
func (s *Store) BindFingerprint(ctx context.Context, id uint, fingerprint, hostname string, now time.Time) (bool, error) {
	result := s.conn(ctx).Model(&AgentToken{}).
		Where("id = ? AND (device_fingerprint IS NULL OR device_fingerprint = '')", id).
		Updates(map[string]interface{}{
			"device_fingerprint": fingerprint,
			"bound_hostname":     hostname,
			"bound_at":           now,
			"last_used":          now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) TouchToken(ctx context.Context, id uint, now time.Time) error {
	return s.conn(ctx).Model(&AgentToken{}).Where("id = ?", id).Update("last_used", now).Error
}

// MismatchResult is the token state after a recorded fingerprint mismatch.
type MismatchResult struct {
	Count       int
	Deactivated bool
}

// RecordMismatch increments the mismatch counter in the database and, once it
// reaches threshold, deactivates the token in the same transaction.
func (s *Store) RecordMismatch(ctx context.Context, id uint, threshold int, now time.Time) (MismatchResult, error) {
	var res MismatchResult
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&AgentToken{}).Where("id = ?", id).Updates(map[string]interface{}{
			"fingerprint_mismatch_count": gorm.Expr("fingerprint_mismatch_count + 1"),
			"last_fingerprint_mismatch":  now,
		})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return ErrNotFound
		}

		var t AgentToken
		if err := tx.Select("fingerprint_mismatch_count").First(&t, id).Error; err != nil {
			return translate(err)
		}
		res.Count = t.FingerprintMismatchCount

		if threshold > 0 && res.Count >= threshold {
			disable := tx.Model(&AgentToken{}).Where("id = ? AND is_active = ?", id, true).Update("is_active", false)
			if disable.Error != nil {
				return disable.Error
			}
			res.Deactivated = disable.RowsAffected == 1
		}
		return nil
	})
	return res, err
}

// SetTokenActive toggles a token. Reactivation resets the mismatch counter.
func (s *Store) SetTokenActive(ctx context.Context, id uint, active bool) error {
	updates := map[string]interface{}{"is_active": active}
	if active {
		updates["fingerprint_mismatch_count"] = 0
	}
	result := s.conn(ctx).Model(&AgentToken{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
