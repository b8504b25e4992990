package udpflow_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/trace"
	"github.com/netmeasure/replaycore/udpflow"
)

func writeUDPReplay(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	server := trace.WireServerArtifact{
		ReplayName:       name,
		TCPScript:        map[string][]trace.WireResponseSet{},
		FingerprintTable: map[string]trace.WireFlowRef{},
		GetIndex:         map[string]trace.WireGetEntry{},
		UDPScript: map[string]map[string]map[string][]trace.WireUDPEvent{
			"198.51.100.1": {
				"9000": {
					"40000": []trace.WireUDPEvent{
						{PayloadHex: hex.EncodeToString([]byte("first")), TimestampSeconds: 0},
						{PayloadHex: hex.EncodeToString([]byte("second")), TimestampSeconds: 0.01},
					},
				},
			},
		},
		UDPServerPorts: []int{9000},
	}
	client := trace.WireClientArtifact{ReplayName: name}

	writeJSON(t, filepath.Join(dir, name+"_server_all.json"), server)
	writeJSON(t, filepath.Join(dir, name+"_client_all.json"), client)
	if err := os.WriteFile(filepath.Join(dir, name+"_packetMeta"), []byte("pkt\t0\t1.0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile packetMeta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client_ip.txt"), []byte("9.9.9.9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile client_ip.txt: %v", err)
	}
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

// admitSession short-circuits a full side-channel handshake: it
// fabricates a session and registers it directly against the Registry
// the way Registry.Admit would, so the UDP server test exercises only
// udpflow's own logic.
func admitSession(t *testing.T, reg *sidechannel.Registry, store *trace.Store, observedIP, replayName string) *sidechannel.ClientSession {
	t.Helper()
	session := sidechannel.NewClientSession(context.Background(), "client1", observedIP, replayName, 1, "", "v1", 0)
	session.SessionID = "sess1"
	if _, err := reg.Admit(context.Background(), session.SessionID, session, store); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return session
}

func TestServerStreamsScriptedDatagramsToKnownClient(t *testing.T) {
	root := t.TempDir()
	writeUDPReplay(t, root, "udp_replay")
	store := trace.NewStore(root, true)
	reg := sidechannel.NewRegistry(0, nil, 0, nil)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	defer clientConn.Close()

	clientIP := clientConn.LocalAddr().(*net.UDPAddr).IP.String()
	admitSession(t, reg, store, clientIP, "udp_replay")

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &udpflow.Server{Registry: reg, Store: store}
	go srv.Serve(ctx, serverConn, 9000)

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	if _, err := clientConn.WriteToUDP([]byte("hello"), serverAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)

	n, _, err := clientConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP 1: %v", err)
	}
	if got := string(buf[:n]); got != "first" {
		t.Fatalf("first datagram = %q, want %q", got, "first")
	}

	n, _, err = clientConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP 2: %v", err)
	}
	if got := string(buf[:n]); got != "second" {
		t.Fatalf("second datagram = %q, want %q", got, "second")
	}
}

func TestServerDropsDatagramFromUnknownClient(t *testing.T) {
	root := t.TempDir()
	writeUDPReplay(t, root, "udp_replay")
	store := trace.NewStore(root, true)
	reg := sidechannel.NewRegistry(0, nil, 0, nil)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	defer clientConn.Close()

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &udpflow.Server{Registry: reg, Store: store}
	go srv.Serve(ctx, serverConn, 9000)

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	if _, err := clientConn.WriteToUDP([]byte("hello"), serverAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1024)
	if _, _, err := clientConn.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no reply for unknown client, got one")
	}
}
