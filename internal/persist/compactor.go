package persist

import (
	"sync"
	"time"

	"inputlayer/internal/logging"
)

// IntervalCompactor triggers Shard.Compact on a fixed wall-clock interval,
// independently of WriteBatch's count-threshold trigger (spec §9 open
// question: both triggers fire independently; whichever condition is met
// first runs compaction).
type IntervalCompactor struct {
	stop   chan struct{}
	wg     sync.WaitGroup
}

// StartIntervalCompactor launches a goroutine that compacts every shard
// returned by shards() on each tick of interval. Call Stop to shut it down.
func StartIntervalCompactor(interval time.Duration, shards func() []*Shard) *IntervalCompactor {
	c := &IntervalCompactor{stop: make(chan struct{})}
	if interval <= 0 {
		return c
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log := logging.Named(logging.CategoryCompact)
		for {
			select {
			case <-ticker.C:
				for _, s := range shards() {
					if err := s.Compact(); err != nil {
						log.Errorw("interval compaction failed", "shard", s.meta.Name, "error", err)
					}
				}
			case <-c.stop:
				return
			}
		}
	}()
	return c
}

// Stop halts the compaction ticker and waits for any in-flight compaction
// to finish.
func (c *IntervalCompactor) Stop() {
	close(c.stop)
	c.wg.Wait()
}
