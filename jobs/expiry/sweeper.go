// Package expiry periodically resolves pending requests that never received
// a response.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/metrics"
)

// Default sweep settings.
const (
	DefaultInterval = 30 * time.Second
	DefaultMaxAge   = 5 * time.Minute
)

// Sweeper expires stale entries of a correlation tracker on a schedule.
type Sweeper struct {
	tracker  *correlation.Tracker
	maxAge   time.Duration
	interval time.Duration
	sink     metrics.MetricsSink
	log      logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper. Zero durations take the defaults.
func NewSweeper(tracker *correlation.Tracker, interval, maxAge time.Duration, sink metrics.MetricsSink, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Sweeper{tracker: tracker, maxAge: maxAge, interval: interval, sink: sink, log: log, now: time.Now}
}

// Sweep expires every request older than the max age and returns them.
func (s *Sweeper) Sweep() []*correlation.Pending {
	expired := s.tracker.Expire(s.maxAge)
	now := s.now()
	rec, hasRec := s.sink.(metrics.CommandRecorder)
	for _, p := range expired {
		s.log.Warnf("request %s (%s) to station %s expired after %s", p.ID, p.Action, p.StationID, now.Sub(p.Created).Round(time.Millisecond))
		if hasRec {
			ev := metrics.CommandEvent{StationID: p.StationID, Action: p.Action, MessageID: p.ID, Outcome: metrics.OutcomeExpired, Latency: now.Sub(p.Created), Time: now}
			if err := rec.RecordCommand(ev); err != nil {
				s.log.Errorf("record expired command: %v", err)
			}
		}
	}
	if pr, ok := s.sink.(metrics.PendingRecorder); ok {
		if err := pr.RecordPending(s.tracker.Len()); err != nil {
			s.log.Errorf("record pending: %v", err)
		}
	}
	return expired
}

// Start schedules Sweep every interval until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("expiry sweeper already started")
	}
	c := cron.New()
	c.Schedule(constantDelay(s.interval), cron.FuncJob(func() { s.Sweep() }))
	c.Start()
	s.cron = c
	s.log.Infof("expiry sweeper started: interval=%s max_age=%s", s.interval, s.maxAge)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// constantDelay fires at a fixed interval; unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
