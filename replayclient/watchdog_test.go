package replayclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogReportsIdleTimeout(t *testing.T) {
	activity := make(chan struct{})
	ipFlip := make(chan string, 1)
	doneSending := make(chan struct{})

	kind, _ := runWatchdog(context.Background(), 20*time.Millisecond, activity, ipFlip, doneSending)
	if kind != "timeout" {
		t.Fatalf("kind = %q, want timeout", kind)
	}
}

func TestWatchdogActivityDefersTimeout(t *testing.T) {
	activity := make(chan struct{}, 1)
	ipFlip := make(chan string, 1)
	doneSending := make(chan struct{})

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(10 * time.Millisecond)
			activity <- struct{}{}
		}
		close(doneSending)
	}()

	kind, _ := runWatchdog(context.Background(), 40*time.Millisecond, activity, ipFlip, doneSending)
	if kind != "done" {
		t.Fatalf("kind = %q, want done while activity keeps arriving", kind)
	}
}

func TestWatchdogReportsIPFlip(t *testing.T) {
	activity := make(chan struct{})
	ipFlip := make(chan string, 1)
	doneSending := make(chan struct{})

	ipFlip <- "203.0.113.7"
	kind, flipped := runWatchdog(context.Background(), time.Second, activity, ipFlip, doneSending)
	if kind != "ipFlip" {
		t.Fatalf("kind = %q, want ipFlip", kind)
	}
	if flipped != "203.0.113.7" {
		t.Fatalf("flipped = %q", flipped)
	}
}

func TestSamplerProducesWellFormedSample(t *testing.T) {
	var counter int64
	doneSending := make(chan struct{})

	out := runSampler(context.Background(), 10, 100*time.Millisecond, &counter, doneSending)

	go func() {
		for i := 0; i < 5; i++ {
			atomic.AddInt64(&counter, 1000)
			time.Sleep(15 * time.Millisecond)
		}
		close(doneSending)
	}()

	sample := <-out
	if len(sample.Xput) != len(sample.T) {
		t.Fatalf("len(Xput)=%d len(T)=%d, want equal", len(sample.Xput), len(sample.T))
	}
	for i, x := range sample.Xput {
		if x < 0 {
			t.Fatalf("Xput[%d] = %v, want non-negative", i, x)
		}
	}
	for i := 1; i < len(sample.T); i++ {
		if sample.T[i] <= sample.T[i-1] {
			t.Fatalf("T not strictly increasing at %d: %v", i, sample.T)
		}
	}
}
