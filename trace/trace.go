// Package trace implements the in-memory, indexed representation of a
// parsed replay: the server script, the client event sequence, the
// fingerprint table used to identify an inbound TCP flow from its
// first bytes, and the GET-similarity fallback index.
package trace

import (
	"time"
)

// FlowKey identifies one original TCP or UDP flow by
// "<clientIP>.<clientPort>-<serverIP>.<serverPort>", matching the
// original c_s_pair naming.
type FlowKey string

// Endpoint is one side of a flow as captured in the original trace.
type Endpoint struct {
	IP   string
	Port int
}

// Proto names the transport of a client event.
type Proto int

const (
	TCP Proto = iota
	UDP
)

func (p Proto) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// ClientEvent is one payload the original initiator transmitted,
// tagged with its protocol, a monotonic timestamp relative to replay
// start, the original endpoint pair, the decoded payload, and (TCP
// only) the declared expected response length.
type ClientEvent struct {
	Proto               Proto
	Timestamp           time.Duration
	Client              Endpoint
	Server              Endpoint
	Payload             []byte
	ExpectedResponseLen int // TCP only
}

// FlowKey derives this event's flow key from its endpoint pair.
func (e ClientEvent) FlowKey() FlowKey {
	return MakeFlowKey(e.Client, e.Server)
}

// MakeFlowKey builds a FlowKey from a client/server endpoint pair.
func MakeFlowKey(client, server Endpoint) FlowKey {
	return FlowKey(
		client.IP + "." + itoa(client.Port) + "-" + server.IP + "." + itoa(server.Port),
	)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OneResponse is a single scripted server response: its payload and
// the timestamp (relative to the flow's first request) at which the
// original server sent it.
type OneResponse struct {
	Payload   []byte
	Timestamp time.Duration
}

// ResponseSet is one request/response round in a scripted TCP flow:
// the length and SHA-1 of the original request (computed over the
// decoded bytes, per invariant (i)), and the ordered responses to
// send back.
type ResponseSet struct {
	RequestLen  int
	RequestHash [20]byte
	Responses   []OneResponse
}

// UDPEvent is one scripted server-to-client datagram.
type UDPEvent struct {
	Payload   []byte
	Timestamp time.Duration
}

// FlowRef names a replay and a flow key within it, the value type of
// the fingerprint table.
type FlowRef struct {
	ReplayName string
	FlowKey    FlowKey
}

// GetEntry holds the textual HTTP request line and headers used by the
// GET-similarity fallback when a fingerprint lookup misses.
type GetEntry struct {
	GetLine string
	Headers map[string]string
}

// Replay is a named recording: the client event sequence, the indexed
// server script, and this replay's slice of the fingerprint table and
// GET-similarity index. It is immutable once returned by Store.Load.
type Replay struct {
	Name string

	ClientEvents []ClientEvent

	// TCPScript is keyed by the original client/server endpoint pair.
	TCPScript map[FlowKey][]ResponseSet

	// UDPScript is keyed by original server IP, then original server
	// port, then original client port. Before a merge
	// (original_ips=true) there may be one entry per original server
	// IP; after merging (original_ips=false, the default runtime
	// posture) everything is folded under the single key "".
	UDPScript map[string]map[int]map[int][]UDPEvent

	Fingerprints map[[20]byte]FlowRef
	GetIndex     map[FlowKey]GetEntry

	TCPServerPorts []int
	UDPServerPorts []int

	// UDPSenderScripts is the number of UDP sender scripts in this
	// replay: one per original client port under each original server
	// IP and server port, counted before any merge-mode folding.
	UDPSenderScripts int

	// Duration is the replay's wall duration, computed from the
	// trailing line of the packetMeta artifact.
	Duration time.Duration

	// OriginalClientIP is the IP the client used when the flow was
	// originally captured, read from client_ip.txt.
	OriginalClientIP string

	// MergedOriginalServerIPs lists the original server IPs folded
	// together when this replay was loaded with original_ips=false.
	// Empty when no merge occurred.
	MergedOriginalServerIPs []string
}

// IsMerged reports whether this replay's UDP script was folded onto a
// single public address.
func (r *Replay) IsMerged() bool {
	return len(r.MergedOriginalServerIPs) > 0
}

// udpScriptsByPort returns the per-server-port view of the UDP script
// regardless of merge state: the merged key "" if present, otherwise
// whichever single original server IP the script was loaded under.
func (r *Replay) udpScriptsByPort() map[int]map[int][]UDPEvent {
	if byPort, ok := r.UDPScript[""]; ok {
		return byPort
	}
	for _, byPort := range r.UDPScript {
		return byPort
	}
	return nil
}

// CanonicalUDPFlow selects the canonical original-client-port flow
// under serverPort. Go map iteration order is randomized, so the
// canonical flow is the lowest client port, which keeps the choice
// deterministic across first datagrams.
func (r *Replay) CanonicalUDPFlow(serverPort int) (clientPort int, events []UDPEvent, ok bool) {
	byPort := r.udpScriptsByPort()
	byClientPort, ok := byPort[serverPort]
	if !ok || len(byClientPort) == 0 {
		return 0, nil, false
	}

	best := -1
	for cp := range byClientPort {
		if best == -1 || cp < best {
			best = cp
		}
	}
	return best, byClientPort[best], true
}
