package rconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/netmeasure/replaycore/internal/rconfig"
)

func TestParseCLIOnly(t *testing.T) {
	cfg, err := rconfig.Parse([]string{"--pcap_folder=/tmp/replays", "--original_ports=true"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got, err := cfg.MustGet("pcap_folder")
	if err != nil || got != "/tmp/replays" {
		t.Fatalf("pcap_folder = %q, %v", got, err)
	}

	b, err := cfg.GetBoolDefault("original_ports", false)
	if err != nil || !b {
		t.Fatalf("original_ports = %v, %v", b, err)
	}
}

func TestParseConfigFileMergeAndCLIWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs_local.cfg")
	contents := "pcap_folder=/from/file\n# a comment\noriginal_ports=false\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := rconfig.Parse([]string{
		"--ConfigFile=" + path,
		"--pcap_folder=/from/cli",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got, _ := cfg.Get("pcap_folder")
	if got != "/from/cli" {
		t.Fatalf("CLI value should win over config file, got %q", got)
	}

	b, err := cfg.GetBoolDefault("original_ports", true)
	if err != nil || b {
		t.Fatalf("original_ports from file = %v, %v", b, err)
	}
}

func TestParseRejectsMalformedArg(t *testing.T) {
	if _, err := rconfig.Parse([]string{"notadashdash"}); err == nil {
		t.Fatal("expected an error for a non --key=value argument")
	}
}

func TestMustGetMissing(t *testing.T) {
	cfg, err := rconfig.Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := cfg.MustGet("serverInstance"); err == nil {
		t.Fatal("expected an error for a missing required key")
	}
}
