package mutate_test

import (
	"bytes"
	"testing"

	"github.com/netmeasure/replaycore/mutate"
)

func TestRandomPreservesLength(t *testing.T) {
	a := mutate.NewApplier("seed-1", nil)
	orig := []byte("hello world")

	out, deleted, err := a.Apply(orig, mutate.Action{Kind: mutate.Random}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if deleted {
		t.Fatal("Random must not delete the packet")
	}
	if len(out) != len(orig) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(orig))
	}
}

func TestInvertTwiceIsIdentity(t *testing.T) {
	a := mutate.NewApplier("seed-2", nil)
	orig := []byte("the quick brown fox")

	once, _, err := a.Apply(orig, mutate.Action{Kind: mutate.Invert}, false)
	if err != nil {
		t.Fatalf("Apply 1: %v", err)
	}
	twice, _, err := a.Apply(once, mutate.Action{Kind: mutate.Invert}, false)
	if err != nil {
		t.Fatalf("Apply 2: %v", err)
	}

	if !bytes.Equal(twice, orig) {
		t.Fatalf("Invert(Invert(x)) = %v, want %v", twice, orig)
	}
}

func TestReplaceWWithOriginalBytesIsIdentity(t *testing.T) {
	a := mutate.NewApplier("seed-3", nil)
	orig := []byte("0123456789")

	action := mutate.Action{
		Kind:    mutate.ReplaceW,
		Regions: []mutate.Region{{L: 2, R: 5}},
		Text:    orig,
	}
	out, _, err := a.Apply(orig, action, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(out, orig) {
		t.Fatalf("ReplaceW(regions, orig) = %v, want %v", out, orig)
	}
}

func TestDeleteNonFirstPacketRemovesIt(t *testing.T) {
	a := mutate.NewApplier("seed-4", nil)
	out, deleted, err := a.Apply([]byte("payload"), mutate.Action{Kind: mutate.Delete}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !deleted {
		t.Fatal("expected the non-first packet to be deleted")
	}
	if out != nil {
		t.Fatalf("expected nil payload for a deleted packet, got %v", out)
	}
}

func TestDeleteFirstPacketReplacesWithOneByte(t *testing.T) {
	a := mutate.NewApplier("seed-5", nil)
	out, deleted, err := a.Apply([]byte("payload"), mutate.Action{Kind: mutate.Delete}, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if deleted {
		t.Fatal("the first packet must not be deleted outright")
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
}

func TestPrependIsDeterministicForSameActionName(t *testing.T) {
	a1 := mutate.NewApplier("seed-6", nil)
	a2 := mutate.NewApplier("different-seed", nil)

	action := mutate.Action{
		Kind:   mutate.Prepend,
		Count:  2,
		Length: 8,
		Name:   "1;Prepend;[2,8]",
	}

	out1, _, err := a1.Apply([]byte("body"), action, false)
	if err != nil {
		t.Fatalf("Apply 1: %v", err)
	}
	out2, _, err := a2.Apply([]byte("body"), action, false)
	if err != nil {
		t.Fatalf("Apply 2: %v", err)
	}

	if !bytes.Equal(out1, out2) {
		t.Fatal("Prepend must be deterministic given the same action name, regardless of Applier seed")
	}
	if len(out1) != 2*8+len("body") {
		t.Fatalf("len(out) = %d, want %d", len(out1), 2*8+len("body"))
	}
}

func TestReplaceRegionOutOfBoundsLeavesPayloadUnchanged(t *testing.T) {
	a := mutate.NewApplier("seed-7", nil)
	orig := []byte("short")

	action := mutate.Action{
		Kind:    mutate.ReplaceW,
		Regions: []mutate.Region{{L: 10, R: 20}},
		Text:    []byte("xxxxxxxxxxxxxxxxxxxx"),
	}
	out, _, err := a.Apply(orig, action, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(out, orig) {
		t.Fatalf("out-of-range region should leave payload unchanged; got %v, want %v", out, orig)
	}
}
