// Package workers implements the two background sweep loops of spec §4.6:
// a periodic flush of every set and a periodic cold-eviction pass, both
// driven entirely through internal/manager's public operations.
package workers

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/hlld/internal/manager"
)

// checkpointEvery matches spec §4.6: both sweeps checkpoint on entry and
// then every 64 operations during the scan.
const checkpointEvery = 64

// wakeInterval is the sweep loops' fixed wake period; intervals configured
// in ticks of this length (spec §4.6: "wake every 250ms").
const wakeInterval = 250 * time.Millisecond

// Sweeper runs the flush and cold sweeps. The zero value is not usable;
// construct with New.
type Sweeper struct {
	mgr    *manager.Manager
	logger *zap.Logger

	flushInterval time.Duration
	coldInterval  time.Duration

	shouldRun atomic.Bool
	wg        sync.WaitGroup
}

// New constructs a Sweeper. An interval of 0 disables that sweep entirely
// (spec §4.6: "either may be disabled by setting the interval to 0").
func New(mgr *manager.Manager, flushIntervalSeconds, coldIntervalSeconds int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sweeper{
		mgr:           mgr,
		logger:        logger,
		flushInterval: time.Duration(flushIntervalSeconds) * time.Second,
		coldInterval:  time.Duration(coldIntervalSeconds) * time.Second,
	}
	s.shouldRun.Store(true)

	return s
}

// Start launches whichever of the two sweep loops have a non-zero
// interval.
func (s *Sweeper) Start() {
	if s.flushInterval > 0 {
		s.wg.Add(1)

		go s.flushLoop()
	}

	if s.coldInterval > 0 {
		s.wg.Add(1)

		go s.coldLoop()
	}
}

// Stop sets the shared should_run flag and waits for any running loops to
// exit at their next wake (spec §4.6: "both share a should_run flag").
func (s *Sweeper) Stop() {
	s.shouldRun.Store(false)
	s.wg.Wait()
}

func (s *Sweeper) flushLoop() {
	defer s.wg.Done()

	const clientID = "flush-sweep"

	s.mgr.Checkpoint(clientID)
	defer s.mgr.Leave(clientID)

	ticks := int(s.flushInterval / wakeInterval)
	if ticks < 1 {
		ticks = 1
	}

	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	tick := 0

	for s.shouldRun.Load() {
		<-ticker.C

		tick++
		if tick < ticks {
			continue
		}

		tick = 0
		s.runFlushSweep(clientID)
	}
}

func (s *Sweeper) runFlushSweep(clientID string) {
	sets := s.mgr.List(clientID, "")

	for i, set := range sets {
		// Individual flush errors are not observed: sets may disappear
		// concurrently (spec §4.6).
		_ = s.mgr.Flush(clientID, set.Name)

		if (i+1)%checkpointEvery == 0 {
			s.mgr.Checkpoint(clientID)
		}
	}
}

func (s *Sweeper) coldLoop() {
	defer s.wg.Done()

	const clientID = "cold-sweep"

	s.mgr.Checkpoint(clientID)
	defer s.mgr.Leave(clientID)

	ticks := int(s.coldInterval / wakeInterval)
	if ticks < 1 {
		ticks = 1
	}

	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	tick := 0

	for s.shouldRun.Load() {
		<-ticker.C

		tick++
		if tick < ticks {
			continue
		}

		tick = 0
		s.runColdSweep(clientID)
	}
}

func (s *Sweeper) runColdSweep(clientID string) {
	names := s.mgr.ListCold(clientID)

	for i, name := range names {
		_ = s.mgr.Unmap(clientID, name)

		if (i+1)%checkpointEvery == 0 {
			s.mgr.Checkpoint(clientID)
		}
	}
}
