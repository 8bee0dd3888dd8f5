// Package sysinfo describes the host an agent runs on.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is the build version, set with
// -ldflags="-X github.com/postalsys/deskline/internal/sysinfo.Version=v1.2.0".
// Development builds derive it from the embedded VCS revision.
var Version = "dev"

func init() {
	if Version == "dev" {
		Version = devVersion(debug.ReadBuildInfo())
	}
}

// maxAddresses caps the address list in status output.
const maxAddresses = 10

// Info is the host description reported by the agent status endpoint.
type Info struct {
	Hostname    string   `json:"hostname"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Version     string   `json:"version"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// Collect gathers the local host description.
func Collect() Info {
	hostname, _ := os.Hostname()
	return Info{
		Hostname:    hostname,
		OS:          RemoteOS(runtime.GOOS),
		Arch:        runtime.GOARCH,
		Version:     Version,
		IPAddresses: LocalIPs(),
	}
}

// RemoteOS maps a GOOS value to the OS names used by the key combo menu.
func RemoteOS(goos string) string {
	if goos == "darwin" {
		return "macos"
	}
	return goos
}

// LocalIPs returns the non-loopback IPv4 addresses of this host.
func LocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterIPv4(addrs)
}

func filterIPv4(addrs []net.Addr) []string {
	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ips = append(ips, v4.String())
		}
		if len(ips) == maxAddresses {
			break
		}
	}
	return ips
}

// devVersion builds "dev-<revision>[-dirty]" from VCS build settings.
func devVersion(info *debug.BuildInfo, ok bool) string {
	if !ok || info == nil {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	var b strings.Builder
	b.WriteString("dev-")
	b.WriteString(revision)
	if dirty {
		b.WriteString("-dirty")
	}
	return b.String()
}
