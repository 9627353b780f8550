package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/tether/pkg/heartbeat"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func startHub(t *testing.T, queue, buffer int) *Hub {
	t.Helper()
	hub := NewHub(queue, buffer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func TestHubDeliversToTopicSubscribersOnly(t *testing.T) {
	hub := startHub(t, 0, 0)
	dash := hub.Subscribe(TopicDashboard)
	dev := hub.Subscribe(DeviceTopic(7))
	other := hub.Subscribe(DeviceTopic(8))

	hub.Publish(DeviceTopic(7), Event{Type: EventServicesUpdated})
	hub.Publish(TopicDashboard, Event{Type: EventDashboardStats})

	require.Equal(t, EventServicesUpdated, receive(t, dev).Type)
	ev := receive(t, dash)
	require.Equal(t, EventDashboardStats, ev.Type)
	require.False(t, ev.SentAt.IsZero())

	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event on unrelated topic: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := startHub(t, 0, 1)
	slow := hub.Subscribe(TopicDashboard)
	fast := hub.Subscribe(TopicDashboard)

	done := make(chan struct{})
	received := 0
	go func() {
		defer close(done)
		for range fast.Events() {
			received++
			if received == 3 {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		hub.Publish(TopicDashboard, Event{Type: EventDashboardStats})
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber was blocked by slow subscriber")
	}
	require.Len(t, slow.Events(), 1)
}

func TestSubscriptionCloseUnsubscribes(t *testing.T) {
	hub := startHub(t, 0, 0)
	sub := hub.Subscribe(TopicDashboard)
	require.Equal(t, 1, hub.Subscribers(TopicDashboard))

	sub.Close()
	sub.Close()
	require.Equal(t, 0, hub.Subscribers(TopicDashboard))
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestHubCloseClosesSubscriptionsAndIgnoresPublish(t *testing.T) {
	hub := NewHub(1, 1, zerolog.Nop())
	sub := hub.Subscribe(TopicDashboard)
	hub.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)

	require.NotPanics(t, func() {
		hub.Publish(TopicDashboard, Event{Type: EventDashboardStats})
		hub.Publish(TopicDashboard, Event{Type: EventDashboardStats})
	})

	late := hub.Subscribe(TopicDashboard)
	_, ok = <-late.Events()
	require.False(t, ok)
}

func TestEventWireShape(t *testing.T) {
	raw, err := json.Marshal(Event{Type: EventDashboardStats, Payload: store.Stats{TotalDevices: 2}, SentAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "dashboard_stats", decoded["type"])
	require.Contains(t, decoded, "sent_at")
	payload := decoded["payload"].(map[string]interface{})
	require.Equal(t, float64(2), payload["total_devices"])
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]Event
}

func (p *recordingPublisher) Publish(topic string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]Event)
	}
	p.events[topic] = append(p.events[topic], ev)
}

func (p *recordingPublisher) types(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events[topic] {
		out = append(out, ev.Type)
	}
	return out
}

func TestFanoutPublishesHeartbeatEvents(t *testing.T) {
	st, err := store.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	token := &store.AgentToken{AgentID: "agent-1", AgentName: "one", IsActive: true}
	require.NoError(t, st.CreateToken(ctx, token))

	pub := &recordingPublisher{}
	fanout := NewFanout(pub, st, zerolog.Nop())
	processor := heartbeat.NewProcessor(st, fanout, zerolog.Nop())

	res, err := processor.Process(ctx, token, heartbeat.Payload{
		Hostname:    "web-01",
		OSType:      "linux",
		OSVersion:   "12",
		CPUInfo:     "arm64",
		MemoryTotal: 100,
		Services:    []string{"sshd", "cron"},
		CollectedAt: time.Now(),
	})
	require.NoError(t, err)
	fanout.Wait()

	require.Equal(t, []string{EventDeviceUpdated, EventDashboardStats}, pub.types(TopicDashboard))
	require.Equal(t,
		[]string{EventDeviceUpdated, EventServicesUpdated, EventSoftwareUpdated},
		pub.types(DeviceTopic(res.Device.ID)))

	summary := pub.events[TopicDashboard][0].Payload.(DeviceSummary)
	require.Equal(t, "agent-1", summary.AgentID)
	require.Equal(t, int64(2), summary.ServicesCount)
	require.Equal(t, int64(0), summary.SoftwareCount)

	stats := pub.events[TopicDashboard][1].Payload.(store.Stats)
	require.Equal(t, int64(1), stats.OnlineDevices)

	_, err = processor.Process(ctx, token, heartbeat.Payload{
		Hostname:    "web-01",
		OSType:      "linux",
		OSVersion:   "12",
		CPUInfo:     "arm64",
		MemoryTotal: 100,
		Services:    []string{"cron"},
		CollectedAt: time.Now(),
	})
	require.NoError(t, err)
	fanout.Wait()

	var latest servicesPayload
	for _, ev := range pub.events[DeviceTopic(res.Device.ID)] {
		if ev.Type == EventServicesUpdated {
			latest = ev.Payload.(servicesPayload)
		}
	}
	require.Equal(t, 1, latest.Present)
	require.Equal(t, int64(1), latest.Deactivated)
	require.Len(t, latest.Services, 2)
	presence := map[string]bool{}
	for _, row := range latest.Services {
		presence[row.ServiceName] = row.IsActive
		require.False(t, row.FirstSeen.IsZero())
		require.False(t, row.LastSeen.IsZero())
	}
	require.Equal(t, map[string]bool{"cron": true, "sshd": false}, presence)

	raw, err := json.Marshal(latest)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"is_active":false`)
}

func TestFanoutPublishesCurrentDeviceState(t *testing.T) {
	st, err := store.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	token := &store.AgentToken{AgentID: "agent-1", AgentName: "one", IsActive: true}
	require.NoError(t, st.CreateToken(ctx, token))
	processor := heartbeat.NewProcessor(st, nil, zerolog.Nop())

	payload := heartbeat.Payload{
		Hostname:    "web-01",
		OSType:      "linux",
		OSVersion:   "12",
		CPUInfo:     "arm64",
		MemoryTotal: 100,
		CollectedAt: time.Now(),
	}
	first, err := processor.Process(ctx, token, payload)
	require.NoError(t, err)
	payload.Hostname = "web-02"
	second, err := processor.Process(ctx, token, payload)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	fanout := NewFanout(pub, st, zerolog.Nop())
	// notifications for an older heartbeat may run after a newer commit
	fanout.HeartbeatProcessed(*second)
	fanout.HeartbeatProcessed(*first)
	fanout.Wait()

	var hostnames []string
	for _, ev := range pub.events[DeviceTopic(first.Device.ID)] {
		if ev.Type == EventDeviceUpdated {
			hostnames = append(hostnames, ev.Payload.(DeviceSummary).Hostname)
		}
	}
	require.Equal(t, []string{"web-02", "web-02"}, hostnames)
}

func TestDeviceLocksSerializeAndForget(t *testing.T) {
	var locks deviceLocks
	unlock := locks.lock(1)

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		release := locks.lock(1)
		close(acquired)
		release()
		close(released)
	}()

	other := locks.lock(2)
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held device lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
	<-released

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Empty(t, locks.locks)
}

func TestFanoutRegistrationAndOfflineEvents(t *testing.T) {
	st, err := store.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pub := &recordingPublisher{}
	fanout := NewFanout(pub, st, zerolog.Nop())

	fanout.RegistrationCreated(store.PendingRegistration{ID: 1, AgentID: "a1", Status: store.StatusPending})
	fanout.Wait()
	fanout.DevicesOffline([]store.Device{{ID: 3, Hostname: "db-01"}})
	fanout.Wait()
	fanout.DevicesOffline(nil)
	fanout.Wait()

	require.Equal(t,
		[]string{EventRegistrationCreated, EventDashboardStats, EventDeviceOffline, EventDashboardStats},
		pub.types(TopicDashboard))
	require.Equal(t, []string{EventDeviceOffline}, pub.types(DeviceTopic(3)))
}
