package trace

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FingerprintSampleBytes is K, the number of leading bytes of a TCP
// flow's first client payload that are hashed into the fingerprint
// table. Treated as a tunable; this is the original's default.
const FingerprintSampleBytes = 400

// A Store loads and caches Replays from a directory tree produced by
// the external trace parser. It is safe for concurrent use.
type Store struct {
	pcapFolder  string
	originalIPs bool

	mu      sync.Mutex
	replays map[string]*Replay
}

// NewStore constructs a Store rooted at pcapFolder. originalIPs
// mirrors the server's eponymous config flag: when false, Load folds
// per-server-IP scripts together so the runtime can serve a replay
// from a single public address.
func NewStore(pcapFolder string, originalIPs bool) *Store {
	return &Store{
		pcapFolder:  pcapFolder,
		originalIPs: originalIPs,
		replays:     make(map[string]*Replay),
	}
}

// Load returns the Replay for name, loading and caching it on first
// use. Both '-' and '_' separated forms of name are accepted, per
// invariant (iii).
func (s *Store) Load(name string) (*Replay, error) {
	key := filenameForm(name)

	s.mu.Lock()
	if r, ok := s.replays[key]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	r, err := s.load(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.replays[key] = r
	s.mu.Unlock()
	return r, nil
}

// Loaded returns every Replay currently cached, for callers that must
// search across all loaded replays rather than one specific one.
func (s *Store) Loaded() []*Replay {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Replay, 0, len(s.replays))
	for _, r := range s.replays {
		out = append(out, r)
	}
	return out
}

func filenameForm(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func (s *Store) load(key string) (*Replay, error) {
	dir := filepath.Join(s.pcapFolder, key)

	clientArtifact, err := loadClientArtifact(filepath.Join(dir, key+"_client_all.json"))
	if err != nil {
		return nil, fmt.Errorf("trace: loading client artifact for %q: %w", key, err)
	}
	serverArtifact, err := loadServerArtifact(filepath.Join(dir, key+"_server_all.json"))
	if err != nil {
		return nil, fmt.Errorf("trace: loading server artifact for %q: %w", key, err)
	}
	duration, err := loadPacketMetaDuration(filepath.Join(dir, key+"_packetMeta"))
	if err != nil {
		return nil, fmt.Errorf("trace: loading packetMeta for %q: %w", key, err)
	}
	clientIP, err := loadClientIP(filepath.Join(dir, "client_ip.txt"))
	if err != nil {
		return nil, fmt.Errorf("trace: loading client_ip.txt for %q: %w", key, err)
	}

	r, err := buildReplay(key, clientArtifact, serverArtifact, duration, clientIP)
	if err != nil {
		return nil, err
	}

	if !s.originalIPs {
		mergeOriginalIPs(r, serverArtifact.ServerIPs)
	}

	return r, nil
}

func loadClientArtifact(path string) (*WireClientArtifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w WireClientArtifact
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func loadServerArtifact(path string) (*WireServerArtifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w WireServerArtifact
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// loadPacketMetaDuration parses the trailing line of a tab-separated
// packetMeta file and returns field index 2 (zero-based) as a
// duration in seconds.
func loadPacketMetaDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if last == "" {
		return 0, fmt.Errorf("trace: packetMeta file %q is empty", path)
	}

	fields := strings.Split(last, "\t")
	if len(fields) < 3 {
		return 0, fmt.Errorf("trace: packetMeta last line %q has fewer than 3 fields", last)
	}
	seconds, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return 0, fmt.Errorf("trace: packetMeta duration field %q is not a number: %w", fields[2], err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func loadClientIP(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.SplitN(string(b), "\n", 2)[0]), nil
}

func buildReplay(name string, ca *WireClientArtifact, sa *WireServerArtifact, duration time.Duration, clientIP string) (*Replay, error) {
	events := make([]ClientEvent, 0, len(ca.ClientEvents))
	for _, we := range ca.ClientEvents {
		payload, err := decodeHex(we.PayloadHex)
		if err != nil {
			return nil, fmt.Errorf("decoding client event payload: %w", err)
		}
		proto := TCP
		if we.Proto == "udp" {
			proto = UDP
		}
		events = append(events, ClientEvent{
			Proto:               proto,
			Timestamp:           secondsToDuration(we.TimestampSeconds),
			Client:              Endpoint{IP: we.ClientIP, Port: we.ClientPort},
			Server:              Endpoint{IP: we.ServerIP, Port: we.ServerPort},
			Payload:             payload,
			ExpectedResponseLen: we.ExpectedResponseLen,
		})
	}

	tcpScript := make(map[FlowKey][]ResponseSet, len(sa.TCPScript))
	for fk, wireSets := range sa.TCPScript {
		sets := make([]ResponseSet, 0, len(wireSets))
		for _, ws := range wireSets {
			hash, err := decodeSHA1(ws.RequestHash)
			if err != nil {
				return nil, fmt.Errorf("decoding request hash for flow %q: %w", fk, err)
			}
			responses := make([]OneResponse, 0, len(ws.Responses))
			for _, wr := range ws.Responses {
				payload, err := decodeHex(wr.PayloadHex)
				if err != nil {
					return nil, fmt.Errorf("decoding response payload for flow %q: %w", fk, err)
				}
				responses = append(responses, OneResponse{
					Payload:   payload,
					Timestamp: secondsToDuration(wr.TimestampSeconds),
				})
			}
			sets = append(sets, ResponseSet{
				RequestLen:  ws.RequestLen,
				RequestHash: hash,
				Responses:   responses,
			})
		}
		tcpScript[FlowKey(fk)] = sets
	}

	udpScript := make(map[string]map[int]map[int][]UDPEvent, len(sa.UDPScript))
	for serverIP, byPort := range sa.UDPScript {
		byServerPort := make(map[int]map[int][]UDPEvent, len(byPort))
		for serverPortStr, byClientPort := range byPort {
			serverPort, err := strconv.Atoi(serverPortStr)
			if err != nil {
				return nil, fmt.Errorf("parsing UDP server port %q: %w", serverPortStr, err)
			}
			inner := make(map[int][]UDPEvent, len(byClientPort))
			for clientPortStr, wireEvents := range byClientPort {
				clientPort, err := strconv.Atoi(clientPortStr)
				if err != nil {
					return nil, fmt.Errorf("parsing UDP client port %q: %w", clientPortStr, err)
				}
				events := make([]UDPEvent, 0, len(wireEvents))
				for _, we := range wireEvents {
					payload, err := decodeHex(we.PayloadHex)
					if err != nil {
						return nil, fmt.Errorf("decoding UDP event payload: %w", err)
					}
					events = append(events, UDPEvent{
						Payload:   payload,
						Timestamp: secondsToDuration(we.TimestampSeconds),
					})
				}
				inner[clientPort] = events
			}
			byServerPort[serverPort] = inner
		}
		udpScript[serverIP] = byServerPort
	}

	fingerprints := make(map[[20]byte]FlowRef, len(sa.FingerprintTable))
	for hexHash, ref := range sa.FingerprintTable {
		hash, err := decodeSHA1(hexHash)
		if err != nil {
			return nil, fmt.Errorf("decoding fingerprint key %q: %w", hexHash, err)
		}
		fingerprints[hash] = FlowRef{ReplayName: ref.ReplayName, FlowKey: FlowKey(ref.FlowKey)}
	}

	getIndex := make(map[FlowKey]GetEntry, len(sa.GetIndex))
	for fk, entry := range sa.GetIndex {
		getIndex[FlowKey(fk)] = GetEntry{GetLine: entry.GetLine, Headers: entry.Headers}
	}

	return &Replay{
		Name:             name,
		ClientEvents:     events,
		TCPScript:        tcpScript,
		UDPScript:        udpScript,
		Fingerprints:     fingerprints,
		GetIndex:         getIndex,
		TCPServerPorts:   sa.TCPServerPorts,
		UDPServerPorts:   sa.UDPServerPorts,
		UDPSenderScripts: countUDPSenderScripts(udpScript),
		Duration:         duration,
		OriginalClientIP: clientIP,
	}, nil
}

func countUDPSenderScripts(udpScript map[string]map[int]map[int][]UDPEvent) int {
	n := 0
	for _, byPort := range udpScript {
		for _, byClientPort := range byPort {
			n += len(byClientPort)
		}
	}
	return n
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func decodeSHA1(s string) ([20]byte, error) {
	var out [20]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ComputeFingerprint hashes the first FingerprintSampleBytes of
// payload (or all of it, if shorter) with SHA-1, as used to build and
// to query the fingerprint table.
func ComputeFingerprint(payload []byte) [20]byte {
	n := len(payload)
	if n > FingerprintSampleBytes {
		n = FingerprintSampleBytes
	}
	return sha1.Sum(payload[:n])
}
