package analyzerio_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/netmeasure/replaycore/analyzerio"
)

func TestWriteXput(t *testing.T) {
	root := t.TempDir()
	w := &analyzerio.Writer{Root: root}

	if err := w.WriteXput("client1", 3, 1, analyzerio.ThroughputSample{
		Xput: []float64{1.5, 2.5},
		T:    []float64{0.22, 0.44},
	}); err != nil {
		t.Fatalf("WriteXput: %v", err)
	}

	path := filepath.Join(root, "tmpResults", "client1", "clientXputs", "Xput_client1_3_1.json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var pair [2][]float64
	if err := json.Unmarshal(b, &pair); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(pair[0]) != 2 || len(pair[1]) != 2 {
		t.Fatalf("pair = %v, want two 2-element arrays", pair)
	}
}

func TestWriteReplayInfoHas17FieldsAndAnonymizes(t *testing.T) {
	root := t.TempDir()
	w := &analyzerio.Writer{Root: root}

	info := analyzerio.ReplayInfo{
		RealID:           "client1",
		ReplayName:       "youtube-360p",
		ObservedIP:       "198.51.100.77",
		ExtraString:      "extra",
		HistoryCount:     2,
		TestID:           1,
		Exceptions:       []string{"ContentModification"},
		Success:          true,
		SecondarySuccess: true,
		IperfMbps:        42.5,
		ElapsedSeconds:   1.23,
		ClientVersion:    "3.1.4",
	}
	if err := w.WriteReplayInfo(info); err != nil {
		t.Fatalf("WriteReplayInfo: %v", err)
	}

	path := filepath.Join(root, "tmpResults", "client1", "replayInfo", "replayInfo_client1_2_1.json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var row []interface{}
	if err := json.Unmarshal(b, &row); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(row) != 17 {
		t.Fatalf("len(row) = %d, want 17", len(row))
	}
	if ip, _ := row[3].(string); ip != "198.51.100.0" {
		t.Fatalf("anonymized ip = %q, want 198.51.100.0 (/24)", ip)
	}
	if arcep, _ := row[15].(bool); arcep != false {
		t.Fatalf("alertedARCEP = %v, want false", arcep)
	}
}

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"198.51.100.77", "198.51.100.0"},
		{"2001:db8:1234:5678::1", "2001:db8:1234::"},
		{"not-an-ip", "not-an-ip"},
	}
	for _, tt := range tests {
		if got := analyzerio.AnonymizeIP(tt.in); got != tt.want {
			t.Errorf("AnonymizeIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFinalizePcapMovesFileWhenNoCleanHook(t *testing.T) {
	root := t.TempDir()
	w := &analyzerio.Writer{Root: root}

	src := filepath.Join(root, "capture.pcap")
	if err := os.WriteFile(src, []byte("pcap-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dst, err := w.FinalizePcap(src, nil)
	if err != nil {
		t.Fatalf("FinalizePcap: %v", err)
	}
	if dst != filepath.Join(root, "tcpdumpsResults", "capture.pcap") {
		t.Fatalf("dst = %q, unexpected", dst)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source pcap still exists after move")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("Stat(dst): %v", err)
	}
}
