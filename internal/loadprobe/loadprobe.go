// Package loadprobe reports how loaded the host is, feeding the
// admission control's overload refusal. The reading is the worst of
// CPU, memory, and root-filesystem usage, each as a fraction in
// [0, 1].
package loadprobe

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// refreshInterval bounds how often the probe re-reads the host.
// Admission decisions arrive in bursts when a client schedules
// back-to-back tests; one reading per interval is plenty.
const refreshInterval = 5 * time.Second

// Probe samples host load on demand, caching the last reading for
// refreshInterval. The zero value is not usable; construct with New.
type Probe struct {
	diskPath string
	log      *logrus.Entry

	mu       sync.Mutex
	lastRead time.Time
	lastVal  float64
}

// New returns a Probe that checks disk usage on diskPath ("/" when
// empty).
func New(diskPath string, log *logrus.Entry) *Probe {
	if diskPath == "" {
		diskPath = "/"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Probe{diskPath: diskPath, log: log}
}

// Load returns the worst current load fraction across CPU, memory,
// and disk. A subsystem that cannot be read contributes zero: a
// broken probe should never refuse clients on its own.
func (p *Probe) Load() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastRead) < refreshInterval {
		return p.lastVal
	}

	worst := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		worst = max(worst, percents[0]/100)
	} else if err != nil {
		p.log.WithError(err).Debug("loadprobe: reading cpu")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		worst = max(worst, vm.UsedPercent/100)
	} else {
		p.log.WithError(err).Debug("loadprobe: reading memory")
	}
	if du, err := disk.Usage(p.diskPath); err == nil {
		worst = max(worst, du.UsedPercent/100)
	} else {
		p.log.WithError(err).Debug("loadprobe: reading disk")
	}

	p.lastRead = time.Now()
	p.lastVal = worst
	return worst
}
