// Package scheduler provides a cron-backed fluxcore.Scheduler: an optional
// external driver for a Store's run loop and initial dispatch, built on
// github.com/robfig/cron/v3.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxcore-go/fluxcore"
)

// CronScheduler implements fluxcore.Scheduler. A false interval schedules
// thunk as a one-shot time.AfterFunc at the configured Every duration;
// true registers a recurring cron entry (`@every <Every>`), matching the
// store's "interval distinguishes one-shot from repeating" contract.
type CronScheduler struct {
	c     *cron.Cron
	every time.Duration

	mu      sync.Mutex
	entries []cron.EntryID
}

// New starts a CronScheduler whose recurring entries fire every d (e.g.
// time.Second). A zero or negative d defaults to one second. Recurring
// entries go through cron's @every, which works in whole seconds: d is
// rounded down to whole seconds, with a minimum of one second. One-shot
// ticks use d as given.
func New(d time.Duration) *CronScheduler {
	if d <= 0 {
		d = time.Second
	}
	s := &CronScheduler{
		c:     cron.New(),
		every: d,
	}
	s.c.Start()
	return s
}

// Schedule implements fluxcore.Scheduler.
func (s *CronScheduler) Schedule(thunk func(), interval bool) {
	if thunk == nil {
		return
	}
	if !interval {
		time.AfterFunc(s.every, thunk)
		return
	}
	spec := fmt.Sprintf("@every %s", s.every)
	id, err := s.c.AddFunc(spec, thunk)
	if err != nil {
		// @every is a fixed format the cron library always accepts for a
		// positive duration; an error here means every was somehow zero.
		return
	}
	s.mu.Lock()
	s.entries = append(s.entries, id)
	s.mu.Unlock()
}

// Stop removes every recurring entry registered through Schedule and blocks
// until any in-flight cron invocation finishes.
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()
	for _, id := range entries {
		s.c.Remove(id)
	}
	<-s.c.Stop().Done()
}

var _ fluxcore.Scheduler = (*CronScheduler)(nil)
