package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"strings"
)

// FingerprintFunc produces the device fingerprint bound to new sessions.
type FingerprintFunc func() (string, error)

// Fingerprint hashes a tuple of coarse device attributes: hostname,
// platform, primary MAC address and locale.
//
// This is a heuristic anti-hijacking signal only, not device identity:
// the inputs are neither secret nor cryptographically attested, and two
// machines can collide on all of them. Treat a mismatch as grounds to
// kill a session, never a match as proof of the same device.
func Fingerprint() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	parts := []string{
		hostname,
		runtime.GOOS,
		runtime.GOARCH,
		primaryMAC(),
		locale(),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface, or empty when none qualifies.
func primaryMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return ""
}

func locale() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "C"
}
