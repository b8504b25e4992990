package replayclient

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/netmeasure/replaycore/sidechannel"
)

// defaultBucketCount is used when the server's Hello reply carries a
// non-positive bucket count (shouldn't happen against a conforming
// server, but a stalled sampler is worse than a coarse one).
const defaultBucketCount = 100

// runSampler buckets bytesReceived into bucketCount equal-width
// windows across duration: one sample every duration/bucketCount,
// each the bucket's received bytes converted to Mbps. It stops as
// soon as doneSending closes and returns the accumulated sample on
// the returned channel.
func runSampler(ctx context.Context, bucketCount int, duration time.Duration, counter *int64, doneSending <-chan struct{}) <-chan sidechannel.ThroughputSample {
	out := make(chan sidechannel.ThroughputSample, 1)
	if bucketCount <= 0 {
		bucketCount = defaultBucketCount
	}
	if duration <= 0 {
		duration = time.Second
	}
	bucketWidth := duration / time.Duration(bucketCount)
	if bucketWidth <= 0 {
		bucketWidth = time.Millisecond
	}

	go func() {
		var sample sidechannel.ThroughputSample

		ticker := time.NewTicker(bucketWidth)
		defer ticker.Stop()

		var last int64
		var elapsed time.Duration
		for {
			select {
			case <-doneSending:
				out <- sample
				return
			case <-ctx.Done():
				out <- sample
				return
			case <-ticker.C:
				cur := atomic.LoadInt64(counter)
				delta := cur - last
				last = cur
				elapsed += bucketWidth
				mbps := float64(delta) * 8 / bucketWidth.Seconds() / 1e6
				sample.Xput = append(sample.Xput, mbps)
				sample.T = append(sample.T, elapsed.Seconds())
			}
		}
	}()
	return out
}
