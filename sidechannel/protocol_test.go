package sidechannel

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/netmeasure/replaycore/mutate"
)

func TestHelloRoundTrip(t *testing.T) {
	in := HelloBody{
		RealID:        "client0001",
		TestID:        2,
		ReplayName:    "youtube-360p",
		Extra:         "wifi",
		HistoryCount:  7,
		EndOfTest:     true,
		RealIP:        "198.51.100.9",
		ClientVersion: "3.0",
	}

	out, err := decodeHello(in.Encode())
	if err != nil {
		t.Fatalf("decodeHello: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("hello round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeHelloRejectsWrongFieldCount(t *testing.T) {
	if _, err := decodeHello("only;three;fields"); err == nil {
		t.Fatal("expected an error for a short hello")
	}
}

func TestAdmitRoundTrip(t *testing.T) {
	code, ip, buckets, err := decodeAdmit(encodeAdmit(AdmitOK, "203.0.113.5", 100))
	if err != nil {
		t.Fatalf("decodeAdmit: %v", err)
	}
	if code != AdmitOK || ip != "203.0.113.5" || buckets != 100 {
		t.Fatalf("got code=%d ip=%q buckets=%d", code, ip, buckets)
	}

	code, _, _, err = decodeAdmit(encodeAdmit(AdmitBusy, "203.0.113.5", 100))
	if err != nil {
		t.Fatalf("decodeAdmit refusal: %v", err)
	}
	if code != AdmitBusy {
		t.Fatalf("code = %d, want AdmitBusy", code)
	}
}

func TestNotifyRoundTrip(t *testing.T) {
	for _, in := range []NotifyBody{
		{Started: true, ServerPort: 9000},
		{Started: false, ServerPort: 443},
	} {
		out, ok := decodeNotify(in.Encode())
		if !ok {
			t.Fatalf("decodeNotify(%q) failed", in.Encode())
		}
		if out != in {
			t.Fatalf("round trip = %+v, want %+v", out, in)
		}
	}
	if _, ok := decodeNotify("RESTARTED;9000"); ok {
		t.Fatal("expected an unknown verb to be rejected")
	}
}

func TestTestOutcomeRoundTrip(t *testing.T) {
	out, err := decodeTestOutcome(TestOutcome{Kind: "done", DurationSeconds: 0.125}.Encode())
	if err != nil {
		t.Fatalf("decodeTestOutcome: %v", err)
	}
	if out.Kind != "done" || out.DurationSeconds != 0.125 {
		t.Fatalf("out = %+v", out)
	}

	for _, kind := range []string{"ipFlip", "timeout"} {
		out, err := decodeTestOutcome(TestOutcome{Kind: kind}.Encode())
		if err != nil {
			t.Fatalf("decodeTestOutcome(%s): %v", kind, err)
		}
		if out.Kind != kind {
			t.Fatalf("Kind = %q, want %q", out.Kind, kind)
		}
	}
}

func TestThroughputSampleRoundTrip(t *testing.T) {
	in := ThroughputSample{Xput: []float64{1.5, 0, 2.25}, T: []float64{0.22, 0.44, 0.66}}
	frame, err := encodeThroughputSample(in)
	if err != nil {
		t.Fatalf("encodeThroughputSample: %v", err)
	}
	out, has, err := decodeThroughputSample(frame)
	if err != nil {
		t.Fatalf("decodeThroughputSample: %v", err)
	}
	if !has {
		t.Fatal("expected a sample")
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("sample round trip mismatch (-want +got):\n%s", diff)
	}

	_, has, err = decodeThroughputSample("NoJitter")
	if err != nil || has {
		t.Fatalf("NoJitter: has=%v err=%v", has, err)
	}
}

func TestParseMutationSpecPrepend(t *testing.T) {
	raw := `[3, "Prepend", [2, 64]]`
	var spec MutationSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m, err := ParseMutationSpec(spec)
	if err != nil {
		t.Fatalf("ParseMutationSpec: %v", err)
	}
	if m.PacketIndex != 3 {
		t.Fatalf("PacketIndex = %d", m.PacketIndex)
	}
	if m.Action.Kind != mutate.Prepend || m.Action.Count != 2 || m.Action.Length != 64 {
		t.Fatalf("Action = %+v", m.Action)
	}
}

func TestParseMutationSpecNone(t *testing.T) {
	m, err := ParseMutationSpec(MutationSpec{Action: "None"})
	if err != nil {
		t.Fatalf("ParseMutationSpec: %v", err)
	}
	if m != nil {
		t.Fatalf("m = %+v, want nil for no mutation", m)
	}
}

func TestParseMutationSpecReplaceW(t *testing.T) {
	raw := `[0, "ReplaceW", [[2, 5], "XYZ"]]`
	var spec MutationSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m, err := ParseMutationSpec(spec)
	if err != nil {
		t.Fatalf("ParseMutationSpec: %v", err)
	}
	if m.Action.Kind != mutate.ReplaceW {
		t.Fatalf("Kind = %v", m.Action.Kind)
	}
	if len(m.Action.Regions) != 1 || m.Action.Regions[0] != (mutate.Region{L: 2, R: 5}) {
		t.Fatalf("Regions = %+v", m.Action.Regions)
	}
	if string(m.Action.Text) != "XYZ" {
		t.Fatalf("Text = %q", m.Action.Text)
	}
}
