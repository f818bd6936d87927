// Package ping probes VPN servers for reachability over the physical network.
//
// A probe is a small authenticated datagram the server answers when it is
// willing to accept connections. [Pinger] sends a single probe and
// [AvailabilityCheck] races many of them across transmissions and ports.
package ping

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// Probe header bytes.
const (
	magic0 = 0xFE
	magic1 = 0x01
)

// ProbeLength is the size of a probe built by BuildProbe.
const ProbeLength = 2 + 4 + sha256.Size

// probeSecret keys the probe HMAC. Servers share it.
var probeSecret = []byte{
	0x3a, 0x91, 0x5c, 0x0e, 0xd4, 0x27, 0x68, 0xb3,
	0x1f, 0xa2, 0x7d, 0x40, 0xc9, 0x86, 0x05, 0xeb,
	0x52, 0x3c, 0xf1, 0x98, 0x6e, 0x0b, 0xa7, 0x14,
	0xd8, 0x63, 0x29, 0xbe, 0x7a, 0x45, 0x90, 0xcf,
}

// BuildProbe returns the probe datagram for a server:
// two magic bytes, the little-endian Unix time in seconds, and an
// HMAC-SHA256 over serverKey followed by the timestamp bytes.
// serverKey may be empty.
func BuildProbe(serverKey []byte, now time.Time) []byte {
	buf := make([]byte, 6, ProbeLength)
	buf[0] = magic0
	buf[1] = magic1
	binary.LittleEndian.PutUint32(buf[2:6], uint32(now.Unix()))

	mac := hmac.New(sha256.New, probeSecret)
	mac.Write(serverKey)
	mac.Write(buf[2:6])
	return mac.Sum(buf)
}
