package store

import (
	"math"
	"time"
)

type RegistrationStatus string

const (
	StatusPending  RegistrationStatus = "pending"
	StatusApproved RegistrationStatus = "approved"
	StatusRejected RegistrationStatus = "rejected"
)

func (s RegistrationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// AgentToken is the bearer credential of one device. DeviceFingerprint is write-once.
type AgentToken struct {
	ID                       uint       `gorm:"primaryKey" json:"id"`
	Token                    string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	AgentID                  string     `gorm:"uniqueIndex;not null" json:"agent_id"`
	AgentName                string     `json:"agent_name"`
	IsActive                 bool       `gorm:"index" json:"is_active"`
	CreatedAt                time.Time  `json:"created_at"`
	LastUsed                 *time.Time `json:"last_used"`
	DeviceFingerprint        *string    `gorm:"index" json:"-"`
	BoundHostname            string     `json:"bound_hostname"`
	BoundAt                  *time.Time `json:"bound_at"`
	FingerprintMismatchCount int        `json:"fingerprint_mismatch_count"`
	LastFingerprintMismatch  *time.Time `json:"last_fingerprint_mismatch"`
}

func (t *AgentToken) Bound() bool {
	return t.DeviceFingerprint != nil && *t.DeviceFingerprint != ""
}

// Fingerprint returns the bound fingerprint or "" when unbound.
func (t *AgentToken) Fingerprint() string {
	if t.DeviceFingerprint == nil {
		return ""
	}
	return *t.DeviceFingerprint
}

// PendingRegistration is a self-registration request awaiting an admin decision.
type PendingRegistration struct {
	ID                uint               `gorm:"primaryKey" json:"id"`
	AgentID           string             `gorm:"uniqueIndex;not null" json:"agent_id"`
	AgentName         string             `json:"agent_name"`
	Hostname          string             `json:"hostname"`
	OSType            string             `json:"os_type"`
	OSVersion         string             `json:"os_version"`
	DeviceFingerprint string             `gorm:"index;not null" json:"-"`
	Status            RegistrationStatus `gorm:"index;not null" json:"status"`
	RequestedAt       time.Time          `json:"requested_at"`
	ApprovedAt        *time.Time         `json:"approved_at"`
	ApprovedBy        string             `json:"approved_by,omitempty"`
	RejectedAt        *time.Time         `json:"rejected_at,omitempty"`
	RejectedBy        string             `json:"rejected_by,omitempty"`
	TokenID           *uint              `gorm:"uniqueIndex" json:"token_id,omitempty"`
	Token             *AgentToken        `gorm:"foreignKey:TokenID" json:"-"`
}

// Device holds the last reported snapshot of the machine behind one token.
type Device struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	AgentTokenID    uint                `gorm:"uniqueIndex;not null" json:"-"`
	AgentToken      AgentToken          `gorm:"foreignKey:AgentTokenID" json:"-"`
	Hostname        string              `json:"hostname"`
	OSType          string              `json:"os_type"`
	OSVersion       string              `json:"os_version"`
	CPUInfo         string              `gorm:"type:text" json:"cpu_info"`
	MemoryTotal     int64               `json:"memory_total"`
	MemoryAvailable int64               `json:"memory_available"`
	IPAddresses     map[string][]string `gorm:"serializer:json" json:"ip_addresses"`
	IsOnline        bool                `gorm:"index" json:"is_online"`
	LastHeartbeat   time.Time           `gorm:"index" json:"last_heartbeat"`
	FirstSeen       time.Time           `json:"first_seen"`
}

func (d *Device) MemoryUsed() int64 {
	return d.MemoryTotal - d.MemoryAvailable
}

// MemoryUsagePercent is rounded to two decimals.
func (d *Device) MemoryUsagePercent() float64 {
	if d.MemoryTotal == 0 {
		return 0
	}
	pct := float64(d.MemoryUsed()) / float64(d.MemoryTotal) * 100
	return math.Round(pct*100) / 100
}

type DeviceService struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	DeviceID    uint      `gorm:"uniqueIndex:idx_device_service;not null" json:"device_id"`
	ServiceName string    `gorm:"uniqueIndex:idx_device_service;not null" json:"service_name"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	IsActive    bool      `gorm:"index" json:"is_active"`
}

type DeviceSoftware struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceID     uint      `gorm:"uniqueIndex:idx_device_software;not null" json:"device_id"`
	SoftwareName string    `gorm:"uniqueIndex:idx_device_software;not null" json:"software_name"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	IsInstalled  bool      `gorm:"index" json:"is_installed"`
}

func (DeviceSoftware) TableName() string {
	return "device_software"
}

// Stats are the aggregate counters shown on the dashboard.
type Stats struct {
	TotalDevices         int64 `json:"total_devices"`
	OnlineDevices        int64 `json:"online_devices"`
	OfflineDevices       int64 `json:"offline_devices"`
	PendingRegistrations int64 `json:"pending_registrations"`
}
