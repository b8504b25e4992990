package replayclient_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/netmeasure/replaycore/replayclient"
	"github.com/netmeasure/replaycore/sidechannel"
	"github.com/netmeasure/replaycore/tcpflow"
	"github.com/netmeasure/replaycore/trace"
)

func writeTCPReplay(t *testing.T, root, name string, serverPort int) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	flowKey := "127.0.0.1.0-127.0.0.1." + strconv.Itoa(serverPort)
	reqFP := trace.ComputeFingerprint([]byte("hello"))
	server := trace.WireServerArtifact{
		ReplayName: name,
		TCPScript: map[string][]trace.WireResponseSet{
			flowKey: {
				{
					RequestLen:  len("hello"),
					RequestHash: hex.EncodeToString(reqFP[:]),
					Responses: []trace.WireOneResponse{
						{PayloadHex: hex.EncodeToString([]byte("world")), TimestampSeconds: 0},
					},
				},
			},
		},
		FingerprintTable: map[string]trace.WireFlowRef{},
		GetIndex:         map[string]trace.WireGetEntry{},
		UDPScript:        map[string]map[string]map[string][]trace.WireUDPEvent{},
		TCPServerPorts:   []int{serverPort},
	}
	client := trace.WireClientArtifact{
		ReplayName: name,
		ClientEvents: []trace.WireClientEvent{
			{
				Proto:               "tcp",
				TimestampSeconds:    0,
				ClientIP:            "127.0.0.1",
				ClientPort:          0,
				ServerIP:            "127.0.0.1",
				ServerPort:          serverPort,
				PayloadHex:          hex.EncodeToString([]byte("hello")),
				ExpectedResponseLen: len("world"),
			},
		},
	}

	writeJSONFile(t, filepath.Join(dir, name+"_server_all.json"), server)
	writeJSONFile(t, filepath.Join(dir, name+"_client_all.json"), client)
	if err := os.WriteFile(filepath.Join(dir, name+"_packetMeta"), []byte("pkt\t0\t0.2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile packetMeta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client_ip.txt"), []byte("9.9.9.9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile client_ip.txt: %v", err)
	}
}

func writeJSONFile(t *testing.T, path string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestRunCompletesScriptedTCPExchange(t *testing.T) {
	root := t.TempDir()

	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen tcp: %v", err)
	}
	serverPort := tcpLn.Addr().(*net.TCPAddr).Port
	writeTCPReplay(t, root, "hello_world", serverPort)

	store := trace.NewStore(root, true)
	reg := sidechannel.NewRegistry(0, nil, 0, nil)

	scSrv := &sidechannel.Server{
		Registry:       reg,
		Store:          store,
		PublicIP:       "127.0.0.1",
		RequestTimeout: 2 * time.Second,
	}
	scLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen side channel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scSrv.Serve(ctx, scLn)

	tcpSrv := &tcpflow.Server{Registry: reg, Store: store}
	go tcpSrv.Serve(ctx, tcpLn)

	driver := &replayclient.Driver{Config: replayclient.Config{
		SideChannelAddr: scLn.Addr().String(),
		Store:           store,
		ReplayName:      "hello_world",
		RealID:          "client1",
		TestID:          1,
		ClientVersion:   "v1",
		EndOfTest:       true,
		Mutation:        sidechannel.MutationSpec{Action: "None"},
		IdleTimeout:     2 * time.Second,
		RequestTimeout:  2 * time.Second,
	}}

	result, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != replayclient.ExitSuccess {
		t.Fatalf("ExitCode = %d, want ExitSuccess", result.ExitCode)
	}
	if result.Outcome.Kind != "done" {
		t.Fatalf("Outcome.Kind = %q, want %q", result.Outcome.Kind, "done")
	}
}

// TestRunAdmissionDenied exercises a replay catalog mismatch: the
// client's own Store has the replay (it needs that to build its send
// schedule), but the side-channel server's Store doesn't, so the
// admission check refuses it.
func TestRunAdmissionDenied(t *testing.T) {
	clientRoot := t.TempDir()
	writeTCPReplay(t, clientRoot, "hello_world", 19000)
	clientStore := trace.NewStore(clientRoot, true)

	serverStore := trace.NewStore(t.TempDir(), true)
	reg := sidechannel.NewRegistry(0, nil, 0, nil)

	scSrv := &sidechannel.Server{
		Registry:       reg,
		Store:          serverStore,
		PublicIP:       "127.0.0.1",
		RequestTimeout: 2 * time.Second,
	}
	scLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen side channel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scSrv.Serve(ctx, scLn)

	driver := &replayclient.Driver{Config: replayclient.Config{
		SideChannelAddr: scLn.Addr().String(),
		Store:           clientStore,
		ReplayName:      "hello_world",
		RealID:          "client1",
		TestID:          1,
		Mutation:        sidechannel.MutationSpec{Action: "None"},
		RequestTimeout:  2 * time.Second,
	}}

	result, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != replayclient.ExitAdmissionDenied {
		t.Fatalf("ExitCode = %d, want ExitAdmissionDenied", result.ExitCode)
	}
}
