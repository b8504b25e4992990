package trace

// The types in this file mirror the on-disk contract produced by the
// external trace parser: a per-replay folder containing
// "_client_all.json" and "_server_all.json". Payloads are hex-encoded
// ASCII on disk and decoded once at Load time; all hashing and length
// accounting downstream runs on the decoded bytes.

// WireOneResponse is one scripted server response as serialized by
// the parser.
type WireOneResponse struct {
	PayloadHex       string  `json:"payload"`
	TimestampSeconds float64 `json:"timestamp"`
}

// WireResponseSet is one request/response round, serialized.
type WireResponseSet struct {
	RequestLen  int               `json:"request_len"`
	RequestHash string            `json:"request_hash"` // hex SHA-1
	Responses   []WireOneResponse `json:"responses"`
}

// WireUDPEvent is one scripted server-to-client datagram, serialized.
type WireUDPEvent struct {
	PayloadHex       string  `json:"payload"`
	TimestampSeconds float64 `json:"timestamp"`
}

// WireFlowRef is a fingerprint table value, serialized.
type WireFlowRef struct {
	ReplayName string `json:"replay_name"`
	FlowKey    string `json:"flow_key"`
}

// WireGetEntry is a GET-similarity index value, serialized.
type WireGetEntry struct {
	GetLine string            `json:"get"`
	Headers map[string]string `json:"headers"`
}

// WireServerArtifact is the decoded form of "_server_all.json".
type WireServerArtifact struct {
	ReplayName string `json:"replay_name"`

	// TCPScript is keyed by flow key string
	// "<clientIP>.<clientPort>-<serverIP>.<serverPort>".
	TCPScript map[string][]WireResponseSet `json:"tcp_script"`

	// FingerprintTable is keyed by the hex SHA-1 of the first 400
	// bytes of a flow's first client payload.
	FingerprintTable map[string]WireFlowRef `json:"fingerprint_table"`

	// GetIndex is keyed by flow key string.
	GetIndex map[string]WireGetEntry `json:"get_index"`

	// UDPScript is keyed by original server IP, then original server
	// port (decimal string), then original client port (decimal
	// string).
	UDPScript map[string]map[string]map[string][]WireUDPEvent `json:"udp_script"`

	TCPServerPorts []int `json:"tcp_server_ports"`
	UDPServerPorts []int `json:"udp_server_ports"`

	// ServerIPs lists every original server IP seen for this replay,
	// used for merge-mode folding when original_ips=false.
	ServerIPs []string `json:"server_ips"`
}

// WireClientEvent is one serialized client event.
type WireClientEvent struct {
	Proto               string  `json:"proto"` // "tcp" or "udp"
	TimestampSeconds    float64 `json:"timestamp"`
	ClientIP            string  `json:"client_ip"`
	ClientPort          int     `json:"client_port"`
	ServerIP            string  `json:"server_ip"`
	ServerPort          int     `json:"server_port"`
	PayloadHex          string  `json:"payload"`
	ExpectedResponseLen int     `json:"expected_response_len"`
}

// WireClientArtifact is the decoded form of "_client_all.json".
type WireClientArtifact struct {
	ReplayName     string            `json:"replay_name"`
	ClientEvents   []WireClientEvent `json:"client_events"`
	UDPClientPorts []int             `json:"udp_client_ports"`
	TCPFlowKeys    []string          `json:"tcp_flow_keys"`
}
