package receiver

import (
	"hash/fnv"
	"net"
	"sort"
	"strconv"
	"strings"
)

const (
	portBase  = 10000
	portRange = 1000
)

// DefaultPort maps a reader address onto a deterministic local port:
// IPv4 readers land on 10000 + last octet, anything else hashes into
// 10000..10999. Stable across restarts so consumers can hard-code it.
func DefaultPort(readerAddress string) int {
	host := readerAddress
	if h, _, err := net.SplitHostPort(readerAddress); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return portBase + int(v4[3])
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return portBase + int(h.Sum32()%portRange)
}

// PortAssignment is the outcome of port resolution for one subscription.
type PortAssignment struct {
	Port int
	// CollidesWith names the subscription that already owns the port;
	// empty means the assignment is usable.
	CollidesWith string
}

// ResolvePorts assigns a local port per subscription, honouring
// overrides and flagging collisions. Colliding subscriptions are skipped
// by the proxy manager but stay in the set (the session continues).
func ResolvePorts(subs []Subscription) map[string]PortAssignment {
	ordered := append([]Subscription(nil), subs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key() < ordered[j].Key() })

	owners := make(map[int]string)
	out := make(map[string]PortAssignment, len(ordered))
	for _, sub := range ordered {
		port := sub.PortOverride
		if port == 0 {
			port = DefaultPort(sub.ReaderAddress)
		}
		key := sub.Key()
		if owner, taken := owners[port]; taken {
			out[key] = PortAssignment{Port: port, CollidesWith: owner}
			continue
		}
		owners[port] = key
		out[key] = PortAssignment{Port: port}
	}
	return out
}

// FormatAddr renders the loopback bind address for a resolved port.
func FormatAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// keyList renders subscription keys for logs.
func keyList(subs []Subscription) string {
	keys := make([]string, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, sub.Key())
	}
	return strings.Join(keys, ",")
}
