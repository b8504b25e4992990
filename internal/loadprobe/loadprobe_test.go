package loadprobe_test

import (
	"testing"

	"github.com/netmeasure/replaycore/internal/loadprobe"
)

func TestLoadIsAFraction(t *testing.T) {
	p := loadprobe.New("", nil)

	v := p.Load()
	if v < 0 || v > 1 {
		t.Fatalf("Load() = %v, want a fraction in [0, 1]", v)
	}
}

func TestLoadCachesBetweenCalls(t *testing.T) {
	p := loadprobe.New("", nil)

	first := p.Load()
	second := p.Load()
	if first != second {
		t.Fatalf("back-to-back reads differ: %v vs %v (expected the cached value)", first, second)
	}
}
