// Package inventory collects the machine snapshot an agent reports with each
// heartbeat, and the hardware fingerprint that identifies the machine.
package inventory

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Snapshot is the heartbeat body sent to the server.
type Snapshot struct {
	AgentID           string              `json:"agent_id"`
	AgentName         string              `json:"agent_name"`
	DeviceFingerprint string              `json:"device_fingerprint"`
	Hostname          string              `json:"hostname"`
	OSType            string              `json:"os_type"`
	OSVersion         string              `json:"os_version"`
	CPUInfo           string              `json:"cpu_info"`
	MemoryTotal       int64               `json:"memory_total"`
	MemoryAvailable   int64               `json:"memory_available"`
	IPAddresses       map[string][]string `json:"ip_addresses"`
	Services          []string            `json:"services"`
	InstalledSoftware []string            `json:"installed_software"`
	CollectedAt       time.Time           `json:"collected_at"`

	// Errors maps probe name to failure and stays on the agent.
	Errors map[string]string `json:"-"`
}

type Options struct {
	Timeout         time.Duration
	CollectServices bool
	CollectSoftware bool
}

// Collector runs the inventory probes in parallel, each bounded by the
// collection timeout. A failing probe leaves its fields empty.
type Collector struct {
	opts Options
	host host
}

func NewCollector(opts Options) *Collector {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Collector{opts: opts, host: localHost()}
}

type probe struct {
	name string
	fn   func(context.Context, *Snapshot) error
}

type probeRun struct {
	mu     sync.Mutex
	errors map[string]string
}

func (p *probeRun) record(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors[name] = err.Error()
}

func (c *Collector) Collect(ctx context.Context) *Snapshot {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	// Lists are never nil: the server treats an empty list as "nothing
	// present", so a disabled probe clears that inventory.
	snap := &Snapshot{
		OSType:            osType(c.host.goos),
		CollectedAt:       time.Now().UTC(),
		IPAddresses:       map[string][]string{},
		Services:          []string{},
		InstalledSoftware: []string{},
	}
	if hostname, err := c.host.hostname(); err == nil {
		snap.Hostname = hostname
	}

	run := &probeRun{errors: make(map[string]string)}
	probes := []probe{
		{"os_info", c.probeOSInfo},
		{"cpu", c.probeCPU},
		{"memory", c.probeMemory},
		{"network", c.probeNetwork},
	}
	if c.opts.CollectServices {
		probes = append(probes, probe{"services", c.probeServices})
	}
	if c.opts.CollectSoftware {
		probes = append(probes, probe{"software", c.probeSoftware})
	}

	// each probe writes disjoint fields of snap
	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context, *Snapshot) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					run.record(name, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(ctx, snap); err != nil {
				run.record(name, err)
			}
		}(p.name, p.fn)
	}
	wg.Wait()

	if snap.Hostname == "" {
		snap.Hostname = "unknown"
	}
	if snap.OSVersion == "" {
		snap.OSVersion = "unknown"
	}
	if snap.CPUInfo == "" {
		snap.CPUInfo = runtime.GOARCH
	}
	snap.Errors = run.errors
	return snap
}

// OSType is the os_type this agent reports.
func OSType() string {
	return osType(runtime.GOOS)
}

// OSVersion returns the release name of the running OS, or "unknown".
func OSVersion(ctx context.Context) string {
	c := &Collector{host: localHost()}
	var s Snapshot
	if err := c.probeOSInfo(ctx, &s); err != nil || s.OSVersion == "" {
		return "unknown"
	}
	return s.OSVersion
}

func osType(goos string) string {
	if goos == "darwin" {
		return "macos"
	}
	return goos
}

func (c *Collector) probeOSInfo(ctx context.Context, s *Snapshot) error {
	switch c.host.goos {
	case "linux":
		data, err := c.host.readFile("/etc/os-release")
		if err != nil {
			return err
		}
		s.OSVersion = parseOSRelease(data)
	case "darwin":
		out, err := c.host.run(ctx, "sw_vers", "-productVersion")
		if err != nil {
			return err
		}
		s.OSVersion = "macOS " + strings.TrimSpace(string(out))
	case "windows":
		out, err := c.host.run(ctx, "powershell", "-Command", "(Get-CimInstance Win32_OperatingSystem).Caption")
		if err != nil {
			return err
		}
		s.OSVersion = strings.TrimSpace(string(out))
	}
	return nil
}

func (c *Collector) probeCPU(ctx context.Context, s *Snapshot) error {
	switch c.host.goos {
	case "linux":
		data, err := c.host.readFile("/proc/cpuinfo")
		if err != nil {
			return err
		}
		s.CPUInfo = parseCPUInfo(data)
	case "darwin":
		out, err := c.host.run(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
		if err != nil {
			return err
		}
		s.CPUInfo = strings.TrimSpace(string(out))
	}
	return nil
}

func (c *Collector) probeMemory(ctx context.Context, s *Snapshot) error {
	switch c.host.goos {
	case "linux":
		data, err := c.host.readFile("/proc/meminfo")
		if err != nil {
			return err
		}
		total, available, err := parseMeminfo(data)
		if err != nil {
			return err
		}
		s.MemoryTotal, s.MemoryAvailable = total, available
	case "darwin":
		out, err := c.host.run(ctx, "sysctl", "-n", "hw.memsize")
		if err != nil {
			return err
		}
		total, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
		if err != nil {
			return err
		}
		s.MemoryTotal = total
	}
	return nil
}

func (c *Collector) probeNetwork(_ context.Context, s *Snapshot) error {
	ifaces, err := c.host.interfaces()
	if err != nil {
		return err
	}
	s.IPAddresses = buildIPMap(ifaces)
	return nil
}

func (c *Collector) probeServices(ctx context.Context, s *Snapshot) error {
	switch c.host.goos {
	case "linux":
		out, err := c.host.run(ctx, "systemctl", "list-units", "--type=service", "--state=running", "--no-legend", "--plain")
		if err != nil {
			return err
		}
		s.Services = parseSystemctlUnits(out)
	case "darwin":
		out, err := c.host.run(ctx, "launchctl", "list")
		if err != nil {
			return err
		}
		s.Services = parseLaunchctl(out)
	}
	return nil
}

func (c *Collector) probeSoftware(ctx context.Context, s *Snapshot) error {
	switch c.host.goos {
	case "linux":
		out, err := c.host.run(ctx, "dpkg-query", "-W", "-f", "${Package}\n")
		if err != nil {
			out, err = c.host.run(ctx, "rpm", "-qa", "--qf", "%{NAME}\n")
			if err != nil {
				return err
			}
		}
		s.InstalledSoftware = parseLines(out)
	case "darwin":
		entries, err := c.host.readDir("/Applications")
		if err != nil {
			return err
		}
		var apps []string
		for _, e := range entries {
			if name := e.Name(); strings.HasSuffix(name, ".app") {
				apps = append(apps, strings.TrimSuffix(name, ".app"))
			}
		}
		s.InstalledSoftware = uniqueSorted(apps)
	}
	return nil
}

func parseOSRelease(data []byte) string {
	values := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		values[key] = strings.Trim(value, `"'`)
	}
	if v := values["PRETTY_NAME"]; v != "" {
		return v
	}
	return strings.TrimSpace(values["NAME"] + " " + values["VERSION_ID"])
}

func parseCPUInfo(data []byte) string {
	model := ""
	cores := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "model name", "Model", "cpu model":
			if model == "" {
				model = strings.TrimSpace(value)
			}
		case "processor":
			cores++
		}
	}
	if model == "" {
		return ""
	}
	if cores > 1 {
		return fmt.Sprintf("%s (%d cores)", model, cores)
	}
	return model
}

// parseMeminfo returns MemTotal and MemAvailable in bytes.
func parseMeminfo(data []byte) (total, available int64, err error) {
	var haveTotal bool
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		n, convErr := strconv.ParseInt(fields[1], 10, 64)
		if convErr != nil {
			continue
		}
		if len(fields) > 2 && strings.EqualFold(fields[2], "kB") {
			n *= 1024
		}
		switch fields[0] {
		case "MemTotal:":
			total, haveTotal = n, true
		case "MemAvailable:":
			available = n
		}
	}
	if !haveTotal {
		return 0, 0, fmt.Errorf("MemTotal missing from meminfo")
	}
	return total, available, nil
}

// buildIPMap maps every non-loopback IPv4 address to the IPv6 addresses of
// the same interface. Interfaces without IPv4 are keyed by interface name.
func buildIPMap(ifaces []netInterface) map[string][]string {
	out := map[string][]string{}
	for _, iface := range ifaces {
		if iface.Loopback || !iface.Up {
			continue
		}
		var v4, v6 []string
		for _, ip := range iface.Addrs {
			if ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				v4 = append(v4, ip4.String())
			} else {
				v6 = append(v6, ip.String())
			}
		}
		if len(v4) == 0 && len(v6) > 0 {
			out[iface.Name] = v6
			continue
		}
		for _, addr := range v4 {
			list := make([]string, len(v6))
			copy(list, v6)
			out[addr] = list
		}
	}
	return out
}

func parseSystemctlUnits(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := strings.TrimLeft(fields[0], "●* ")
		if !strings.HasSuffix(unit, ".service") {
			continue
		}
		names = append(names, strings.TrimSuffix(unit, ".service"))
	}
	return uniqueSorted(names)
}

// parseLaunchctl reads `launchctl list` output (PID, status, label) and keeps
// the labels of running jobs.
func parseLaunchctl(out []byte) []string {
	var names []string
	for i, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if i == 0 || len(fields) < 3 || fields[0] == "-" {
			continue
		}
		names = append(names, fields[2])
	}
	return uniqueSorted(names)
}

func parseLines(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return uniqueSorted(names)
}

func uniqueSorted(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
