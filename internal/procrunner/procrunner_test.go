package procrunner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/netmeasure/replaycore/internal/procrunner"
)

func TestRunCapturesCombinedOutputOnFailure(t *testing.T) {
	_, err := procrunner.Run(context.Background(), "sh", "-c", "echo oops 1>&2; exit 1")
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}

	var rerr *procrunner.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *procrunner.Error, got %T: %v", err, err)
	}
	if len(rerr.Out) == 0 {
		t.Fatal("expected captured output, got none")
	}
}

func TestRunSucceeds(t *testing.T) {
	out, err := procrunner.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != "hello\n" {
		t.Fatalf("output = %q", out)
	}
}
