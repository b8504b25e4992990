package trace_test

import (
	"testing"

	"github.com/netmeasure/replaycore/trace"
)

func newGetReplay(name string, entries map[trace.FlowKey]trace.GetEntry) *trace.Replay {
	return &trace.Replay{
		Name:         name,
		Fingerprints: map[[20]byte]trace.FlowRef{},
		GetIndex:     entries,
	}
}

func TestLookupTCPGetFallbackExactLine(t *testing.T) {
	replays := []*trace.Replay{
		newGetReplay("r1", map[trace.FlowKey]trace.GetEntry{
			"flowA": {GetLine: "GET /video HTTP/1.1", Headers: map[string]string{"Host": "a.example"}},
			"flowB": {GetLine: "GET /other HTTP/1.1", Headers: map[string]string{"Host": "b.example"}},
		}),
	}

	payload := []byte("GET /video HTTP/1.1\r\nHost: a.example\r\n\r\n")
	ref, ok := trace.LookupTCP(replays, payload)
	if !ok {
		t.Fatal("expected a GET-fallback match")
	}
	if ref.FlowKey != "flowA" {
		t.Fatalf("FlowKey = %q, want flowA", ref.FlowKey)
	}
}

func TestLookupTCPGetFallbackHeaderDistance(t *testing.T) {
	replays := []*trace.Replay{
		newGetReplay("r1", map[trace.FlowKey]trace.GetEntry{
			"flowA": {GetLine: "GET / HTTP/1.1", Headers: map[string]string{"Host": "a.example", "Accept": "*/*"}},
			"flowB": {GetLine: "GET / HTTP/1.1", Headers: map[string]string{"Host": "b.example", "Accept": "text/html"}},
		}),
	}

	// GET line matches both candidates; headers are closer to flowA.
	payload := []byte("GET / HTTP/1.1\r\nHost: a.example\r\nAccept: */*\r\n\r\n")
	ref, ok := trace.LookupTCP(replays, payload)
	if !ok {
		t.Fatal("expected a GET-fallback match")
	}
	if ref.FlowKey != "flowA" {
		t.Fatalf("FlowKey = %q, want flowA", ref.FlowKey)
	}
}

func TestLookupTCPMissForNonGetNonFingerprint(t *testing.T) {
	replays := []*trace.Replay{newGetReplay("r1", nil)}
	if _, ok := trace.LookupTCP(replays, []byte("\x01\x02\x03binary")); ok {
		t.Fatal("expected a miss for an unrecognized non-GET payload")
	}
}
