package inventory

import (
	"context"
	"net"
	"os"
	"os/exec"
	"runtime"
)

// host is the view of the local machine the probes read from.
type host struct {
	goos       string
	readFile   func(path string) ([]byte, error)
	readDir    func(path string) ([]os.DirEntry, error)
	run        func(ctx context.Context, name string, args ...string) ([]byte, error)
	hostname   func() (string, error)
	interfaces func() ([]netInterface, error)
}

type netInterface struct {
	Name     string
	Loopback bool
	Up       bool
	MAC      string
	Addrs    []net.IP
}

func localHost() host {
	return host{
		goos:       runtime.GOOS,
		readFile:   os.ReadFile,
		readDir:    os.ReadDir,
		run:        execWithTimeout,
		hostname:   os.Hostname,
		interfaces: systemInterfaces,
	}
}

// execWithTimeout runs a command bounded by ctx and returns its stdout.
func execWithTimeout(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func systemInterfaces() ([]netInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]netInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := netInterface{
			Name:     iface.Name,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			Up:       iface.Flags&net.FlagUp != 0,
			MAC:      iface.HardwareAddr.String(),
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				ni.Addrs = append(ni.Addrs, ipnet.IP)
			}
		}
		out = append(out, ni)
	}
	return out, nil
}
