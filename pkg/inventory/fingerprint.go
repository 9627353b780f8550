package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrNoHardwareIDs is returned when no stable identifier could be read.
var ErrNoHardwareIDs = errors.New("no hardware identifiers found")

// Fingerprint derives a stable hex identifier for this machine from its
// hardware and OS install identifiers.
func Fingerprint(ctx context.Context) (string, error) {
	return fingerprintFrom(ctx, localHost())
}

// FallbackFingerprint is used when no hardware identifiers are readable. It is
// only as unique as the hostname.
func FallbackFingerprint(hostname string) string {
	return hashComponents([]string{"fallback_" + hostname})
}

func fingerprintFrom(ctx context.Context, h host) (string, error) {
	var components []string
	switch h.goos {
	case "linux":
		components = linuxComponents(h)
	case "darwin":
		components = darwinComponents(ctx, h)
	case "windows":
		components = windowsComponents(ctx, h)
	}
	if len(components) == 0 {
		return "", ErrNoHardwareIDs
	}
	return hashComponents(components), nil
}

func hashComponents(components []string) string {
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])
}

func readTrimmed(h host, path string) string {
	data, err := h.readFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func linuxComponents(h host) []string {
	var components []string

	machineID := readTrimmed(h, "/etc/machine-id")
	if machineID == "" {
		machineID = readTrimmed(h, "/var/lib/dbus/machine-id")
	}
	if machineID != "" {
		components = append(components, "machine_id:"+machineID)
	}
	if uuid := readTrimmed(h, "/sys/class/dmi/id/product_uuid"); uuid != "" {
		components = append(components, "product_uuid:"+uuid)
	}
	if serial := readTrimmed(h, "/sys/class/dmi/id/board_serial"); serial != "" && serial != "None" {
		components = append(components, "board_serial:"+serial)
	}
	if mac := primaryMAC(h); mac != "" {
		components = append(components, "mac:"+mac)
	}
	return components
}

// primaryMAC returns name:mac of the first physical interface.
func primaryMAC(h host) string {
	ifaces, err := h.interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Loopback || isVirtualInterface(iface.Name) {
			continue
		}
		if iface.MAC == "" || iface.MAC == "00:00:00:00:00:00" {
			continue
		}
		return iface.Name + ":" + iface.MAC
	}
	return ""
}

func isVirtualInterface(name string) bool {
	for _, prefix := range []string{"lo", "docker", "veth", "br-", "virbr", "tun", "tap", "utun"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func darwinComponents(ctx context.Context, h host) []string {
	var components []string
	out, err := h.run(ctx, "system_profiler", "SPHardwareDataType")
	if err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch {
			case strings.Contains(key, "Hardware UUID") && value != "":
				components = append(components, "hw_uuid:"+value)
			case strings.Contains(key, "Serial Number") && value != "" && value != "(system)":
				components = append(components, "serial:"+value)
			}
		}
	}
	if mac := primaryMAC(h); mac != "" {
		components = append(components, "mac:"+mac)
	}
	return components
}

func windowsComponents(ctx context.Context, h host) []string {
	var components []string
	for _, probe := range []struct {
		prefix string
		args   []string
	}{
		{"uuid", []string{"csproduct", "get", "UUID"}},
		{"serial", []string{"bios", "get", "serialnumber"}},
	} {
		out, err := h.run(ctx, "wmic", probe.args...)
		if err != nil {
			continue
		}
		lines := strings.Split(string(out), "\n")
		for _, line := range lines[1:] {
			if v := strings.TrimSpace(line); v != "" {
				components = append(components, probe.prefix+":"+v)
				break
			}
		}
	}
	return components
}
