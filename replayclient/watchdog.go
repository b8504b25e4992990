package replayclient

import (
	"context"
	"time"
)

// runWatchdog blocks until the send loop finishes, an idle period of
// idleTimeout elapses with no traffic on either direction of any
// socket, or a "SuspiciousClientIP!" response reveals the client's
// data-plane source IP no longer matches the one the side channel
// admitted. It returns "done" once doneSending closes first.
func runWatchdog(ctx context.Context, idleTimeout time.Duration, activity <-chan struct{}, ipFlip <-chan string, doneSending <-chan struct{}) (kind string, flippedIP string) {
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-doneSending:
			return "done", ""
		case <-ctx.Done():
			return "done", ""
		case ip := <-ipFlip:
			return "ipFlip", ip
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)
		case <-timer.C:
			return "timeout", ""
		}
	}
}
