package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/tether/pkg/heartbeat"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
)

const defaultPublishTimeout = 5 * time.Second

// DeviceSummary is the device view sent to dashboards.
type DeviceSummary struct {
	ID                 uint                `json:"id"`
	AgentID            string              `json:"agent_id"`
	AgentName          string              `json:"agent_name"`
	Hostname           string              `json:"hostname"`
	OSType             string              `json:"os_type"`
	OSVersion          string              `json:"os_version"`
	CPUInfo            string              `json:"cpu_info"`
	MemoryTotal        int64               `json:"memory_total"`
	MemoryAvailable    int64               `json:"memory_available"`
	MemoryUsed         int64               `json:"memory_used"`
	MemoryUsagePercent float64             `json:"memory_usage_percent"`
	IPAddresses        map[string][]string `json:"ip_addresses"`
	IsOnline           bool                `json:"is_online"`
	LastHeartbeat      time.Time           `json:"last_heartbeat"`
	FirstSeen          time.Time           `json:"first_seen"`
	ServicesCount      int64               `json:"services_count"`
	SoftwareCount      int64               `json:"software_count"`
}

// Summarize builds the dashboard view of d.
func Summarize(d store.Device, services, software int64) DeviceSummary {
	return DeviceSummary{
		ID:                 d.ID,
		AgentID:            d.AgentToken.AgentID,
		AgentName:          d.AgentToken.AgentName,
		Hostname:           d.Hostname,
		OSType:             d.OSType,
		OSVersion:          d.OSVersion,
		CPUInfo:            d.CPUInfo,
		MemoryTotal:        d.MemoryTotal,
		MemoryAvailable:    d.MemoryAvailable,
		MemoryUsed:         d.MemoryUsed(),
		MemoryUsagePercent: d.MemoryUsagePercent(),
		IPAddresses:        d.IPAddresses,
		IsOnline:           d.IsOnline,
		LastHeartbeat:      d.LastHeartbeat,
		FirstSeen:          d.FirstSeen,
		ServicesCount:      services,
		SoftwareCount:      software,
	}
}

// servicesPayload carries every service row of a device, absent ones
// included, with the counts of the heartbeat that produced them.
type servicesPayload struct {
	DeviceID    uint                  `json:"device_id"`
	Services    []store.DeviceService `json:"services"`
	Present     int                   `json:"present"`
	Deactivated int64                 `json:"deactivated"`
}

type softwarePayload struct {
	DeviceID    uint                   `json:"device_id"`
	Software    []store.DeviceSoftware `json:"software"`
	Present     int                    `json:"present"`
	Deactivated int64                  `json:"deactivated"`
}

type offlinePayload struct {
	DeviceID      uint      `json:"device_id"`
	AgentID       string    `json:"agent_id"`
	Hostname      string    `json:"hostname"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Fanout turns committed changes into events. Each notification is handled on
// its own goroutine and failures are only logged. Device events are published
// one device at a time from freshly read state, so a slow goroutine never
// publishes an older snapshot after a newer one.
type Fanout struct {
	pub     Publisher
	store   *store.Store
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	devices deviceLocks
}

func NewFanout(pub Publisher, st *store.Store, logger zerolog.Logger) *Fanout {
	return &Fanout{
		pub:     pub,
		store:   st,
		logger:  logger.With().Str("component", "fanout").Logger(),
		timeout: defaultPublishTimeout,
	}
}

// Wait blocks until in-flight notifications have been published.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

func (f *Fanout) HeartbeatProcessed(res heartbeat.Result) {
	if res.Device == nil {
		return
	}
	deviceID := res.Device.ID
	f.async(EventDeviceUpdated, func(ctx context.Context) error {
		unlock := f.devices.lock(deviceID)
		defer unlock()

		device, err := f.store.DeviceByID(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("load device: %w", err)
		}
		services, software, err := f.store.InventoryCounts(ctx, device.ID)
		if err != nil {
			return fmt.Errorf("inventory counts: %w", err)
		}
		ev := Event{Type: EventDeviceUpdated, Payload: Summarize(*device, services, software)}
		f.pub.Publish(TopicDashboard, ev)
		f.pub.Publish(DeviceTopic(device.ID), ev)

		if err := f.publishServices(ctx, device.ID, res.Services); err != nil {
			return err
		}
		if err := f.publishSoftware(ctx, device.ID, res.Software); err != nil {
			return err
		}
		return f.publishStats(ctx)
	})
}

func (f *Fanout) DevicesOffline(devices []store.Device) {
	if len(devices) == 0 {
		return
	}
	f.async(EventDeviceOffline, func(ctx context.Context) error {
		for _, d := range devices {
			ev := Event{Type: EventDeviceOffline, Payload: offlinePayload{
				DeviceID:      d.ID,
				AgentID:       d.AgentToken.AgentID,
				Hostname:      d.Hostname,
				LastHeartbeat: d.LastHeartbeat,
			}}
			unlock := f.devices.lock(d.ID)
			f.pub.Publish(TopicDashboard, ev)
			f.pub.Publish(DeviceTopic(d.ID), ev)
			unlock()
		}
		return f.publishStats(ctx)
	})
}

func (f *Fanout) RegistrationCreated(reg store.PendingRegistration) {
	f.registrationEvent(EventRegistrationCreated, reg)
}

func (f *Fanout) RegistrationUpdated(reg store.PendingRegistration) {
	f.registrationEvent(EventRegistrationUpdated, reg)
}

func (f *Fanout) registrationEvent(kind string, reg store.PendingRegistration) {
	reg.Token = nil
	f.async(kind, func(ctx context.Context) error {
		f.pub.Publish(TopicDashboard, Event{Type: kind, Payload: reg})
		return f.publishStats(ctx)
	})
}

// BroadcastStats publishes the current dashboard counters synchronously.
func (f *Fanout) BroadcastStats(ctx context.Context) error {
	return f.publishStats(ctx)
}

func (f *Fanout) publishStats(ctx context.Context) error {
	stats, err := f.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("dashboard stats: %w", err)
	}
	f.pub.Publish(TopicDashboard, Event{Type: EventDashboardStats, Payload: stats})
	return nil
}

func (f *Fanout) publishServices(ctx context.Context, deviceID uint, counts store.ReconcileCounts) error {
	rows, err := f.store.ServicesForDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load services: %w", err)
	}
	f.pub.Publish(DeviceTopic(deviceID), Event{Type: EventServicesUpdated, Payload: servicesPayload{
		DeviceID:    deviceID,
		Services:    rows,
		Present:     counts.Present,
		Deactivated: counts.Deactivated,
	}})
	return nil
}

func (f *Fanout) publishSoftware(ctx context.Context, deviceID uint, counts store.ReconcileCounts) error {
	rows, err := f.store.SoftwareForDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load software: %w", err)
	}
	f.pub.Publish(DeviceTopic(deviceID), Event{Type: EventSoftwareUpdated, Payload: softwarePayload{
		DeviceID:    deviceID,
		Software:    rows,
		Present:     counts.Present,
		Deactivated: counts.Deactivated,
	}})
	return nil
}

func (f *Fanout) async(kind string, fn func(ctx context.Context) error) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error().Str("event", kind).Interface("panic", r).Msg("broadcast panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			f.logger.Warn().Err(err).Str("event", kind).Msg("broadcast failed")
		}
	}()
}

// deviceLocks hands out one mutex per device id and forgets it once no
// goroutine holds or waits for it.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[uint]*deviceLock
}

type deviceLock struct {
	sync.Mutex
	refs int
}

func (d *deviceLocks) lock(id uint) (unlock func()) {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[uint]*deviceLock)
	}
	l, ok := d.locks[id]
	if !ok {
		l = &deviceLock{}
		d.locks[id] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, id)
		}
		d.mu.Unlock()
	}
}
