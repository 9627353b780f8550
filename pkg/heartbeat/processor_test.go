package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	processed []Result
	offline   [][]store.Device
}

func (n *recordingNotifier) HeartbeatProcessed(res Result) { n.processed = append(n.processed, res) }

func (n *recordingNotifier) DevicesOffline(devices []store.Device) {
	n.offline = append(n.offline, devices)
}

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *recordingNotifier, *store.AgentToken) {
	t.Helper()
	st, err := store.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	token := &store.AgentToken{AgentID: "agent-1", AgentName: "agent one", IsActive: true}
	require.NoError(t, st.CreateToken(context.Background(), token))

	n := &recordingNotifier{}
	return NewProcessor(st, n, zerolog.Nop()), st, n, token
}

func samplePayload(services ...string) Payload {
	return Payload{
		AgentID:         "agent-1",
		Hostname:        "web-01",
		OSType:          "linux",
		OSVersion:       "Ubuntu 22.04",
		CPUInfo:         "AMD EPYC 7763",
		MemoryTotal:     16 << 30,
		MemoryAvailable: 4 << 30,
		IPAddresses: map[string][]string{
			"10.0.0.5": {"fe80::1"},
		},
		Services:          services,
		InstalledSoftware: []string{"openssl", "curl"},
		CollectedAt:       time.Now(),
	}
}

func activeNames(services []store.DeviceService) []string {
	var names []string
	for _, s := range services {
		if s.IsActive {
			names = append(names, s.ServiceName)
		}
	}
	return names
}

func TestProcessCreatesDeviceAndInventory(t *testing.T) {
	p, st, n, token := newTestProcessor(t)
	ctx := context.Background()

	res, err := p.Process(ctx, token, samplePayload("sshd", "nginx"))
	require.NoError(t, err)
	require.True(t, res.Device.IsOnline)
	require.Equal(t, "web-01", res.Device.Hostname)
	require.Equal(t, 75.0, res.Device.MemoryUsagePercent())
	require.Equal(t, 2, res.Services.Present)
	require.Equal(t, 2, res.Software.Present)
	require.Len(t, n.processed, 1)

	services, err := st.ServicesForDevice(ctx, res.Device.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sshd", "nginx"}, activeNames(services))
}

func TestProcessReconcilesServiceSet(t *testing.T) {
	p, st, _, token := newTestProcessor(t)
	ctx := context.Background()

	first, err := p.Process(ctx, token, samplePayload("A", "B", "C"))
	require.NoError(t, err)

	before, err := st.ServicesForDevice(ctx, first.Device.ID)
	require.NoError(t, err)
	firstSeen := map[string]time.Time{}
	for _, s := range before {
		firstSeen[s.ServiceName] = s.FirstSeen
	}

	p.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	second, err := p.Process(ctx, token, samplePayload("B", "C", "D"))
	require.NoError(t, err)
	require.Equal(t, first.Device.ID, second.Device.ID)
	require.Equal(t, int64(1), second.Services.Deactivated)

	after, err := st.ServicesForDevice(ctx, second.Device.ID)
	require.NoError(t, err)
	require.Len(t, after, 4)
	require.ElementsMatch(t, []string{"B", "C", "D"}, activeNames(after))
	for _, s := range after {
		if s.ServiceName == "B" || s.ServiceName == "C" {
			require.True(t, s.FirstSeen.Equal(firstSeen[s.ServiceName]), "first_seen changed for %s", s.ServiceName)
			require.True(t, s.LastSeen.After(s.FirstSeen))
		}
	}

	third, err := p.Process(ctx, token, samplePayload("B", "C", "D"))
	require.NoError(t, err)
	require.Equal(t, int64(0), third.Services.Deactivated)
	again, err := st.ServicesForDevice(ctx, third.Device.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"B", "C", "D"}, activeNames(again))
}

func TestProcessNormalizesNames(t *testing.T) {
	p, _, _, token := newTestProcessor(t)

	res, err := p.Process(context.Background(), token, samplePayload(" sshd ", "sshd", "", "cron"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Services.Present)
}

func TestProcessAgentIDMismatchWritesNothing(t *testing.T) {
	p, st, n, token := newTestProcessor(t)
	ctx := context.Background()

	payload := samplePayload("sshd")
	payload.AgentID = "someone-else"
	_, err := p.Process(ctx, token, payload)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = st.DeviceByTokenID(ctx, token.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, n.processed)
}

func TestProcessWithoutTokenIsRejected(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)
	_, err := p.Process(context.Background(), nil, samplePayload())
	require.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestPayloadValidationListsFields(t *testing.T) {
	payload := Payload{
		Hostname:        "  ",
		OSType:          "linux",
		MemoryTotal:     -1,
		IPAddresses:     map[string][]string{"eth0": {"not-an-ip"}},
		MemoryAvailable: 10,
	}
	err := payload.Validate()
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Equal(t,
		[]string{"collected_at", "cpu_info", "hostname", "ip_addresses", "memory_total", "os_version"},
		apperr.FieldsOf(err))
}

func TestPayloadAcceptsInterfaceKeyedAddresses(t *testing.T) {
	payload := samplePayload()
	payload.IPAddresses = map[string][]string{
		"eth0":     {"10.0.0.5", "fe80::5054:ff:fe12:3456"},
		"local":    {"192.168.1.20"},
		"10.0.0.9": {"fe80::1"},
		"wg0":      nil,
	}
	require.NoError(t, payload.Validate())

	payload.IPAddresses = map[string][]string{" ": {"10.0.0.5"}}
	err := payload.Validate()
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Equal(t, []string{"ip_addresses"}, apperr.FieldsOf(err))
}

func TestSweepOfflineMarksStaleDevices(t *testing.T) {
	p, st, n, token := newTestProcessor(t)
	ctx := context.Background()

	res, err := p.Process(ctx, token, samplePayload("sshd"))
	require.NoError(t, err)

	changed, err := p.SweepOffline(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Zero(t, changed)

	p.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	changed, err = p.SweepOffline(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	require.Len(t, n.offline, 1)

	device, err := st.DeviceByID(ctx, res.Device.ID)
	require.NoError(t, err)
	require.False(t, device.IsOnline)

	_, err = p.SweepOffline(ctx, 0)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
