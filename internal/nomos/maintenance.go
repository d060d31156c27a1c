package nomos

import (
	"sync"
	"time"
)

// maintenanceTick is how often HourlyMaintenance wakes up to check whether
// an hour boundary has been crossed (§4.6).
const maintenanceTick = 5 * time.Minute

// RetentionSweeper is given a chance to trim old replication segments each
// time the hourly boundary fires. Nil when replication is disabled.
type RetentionSweeper interface {
	SweepRetention(now time.Time) error
}

// HourlyMaintenance clears expired in-memory items and packs on-disk
// segments for every top-level once per wall-clock hour, plus lets a
// replication log sweep its own retention window on the same cadence.
type HourlyMaintenance struct {
	dir   *IndexDirectory
	repl  RetentionSweeper
	log   Logger
	now   func() time.Time
	tick  time.Duration

	mu       sync.Mutex
	lastHour int64

	stop chan struct{}
	done chan struct{}
}

// NewHourlyMaintenance builds a maintenance loop over dir. Call Start to
// begin the background ticker and Stop to end it.
func NewHourlyMaintenance(dir *IndexDirectory, repl RetentionSweeper, log Logger) *HourlyMaintenance {
	if log == nil {
		log = noopLogger{}
	}

	return &HourlyMaintenance{
		dir:  dir,
		repl: repl,
		log:  log,
		now:  time.Now,
		tick: maintenanceTick,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the background ticker goroutine.
func (m *HourlyMaintenance) Start() {
	go m.loop()
}

// Stop signals the ticker goroutine to exit and waits for it.
func (m *HourlyMaintenance) Stop() {
	close(m.stop)
	<-m.done
}

func (m *HourlyMaintenance) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.maybeRun()
		}
	}
}

func (m *HourlyMaintenance) maybeRun() {
	now := m.now()
	hour := now.Unix() / int64(time.Hour/time.Second)

	m.mu.Lock()
	if hour == m.lastHour {
		m.mu.Unlock()
		return
	}
	m.lastHour = hour
	m.mu.Unlock()

	m.Run(now)
}

// Run performs one maintenance pass unconditionally: clearOld then pack for
// every top-level, then a replication retention sweep. Exposed directly so
// tests can drive it without waiting on the ticker.
func (m *HourlyMaintenance) Run(now time.Time) {
	for _, name := range m.dir.TopLevels() {
		level := m.dir.Level(name)
		if level == nil {
			continue
		}

		level.ClearOld(now)

		if err := level.Pack(now); err != nil {
			m.log.Errorf("nomos: pack of %q failed: %v", name, err)
		}
	}

	if m.repl != nil {
		if err := m.repl.SweepRetention(now); err != nil {
			m.log.Errorf("nomos: replication retention sweep failed: %v", err)
		}
	}
}
