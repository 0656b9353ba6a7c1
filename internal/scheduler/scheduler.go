package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every refresh round. at is the aligned round start,
// or the trigger time for rounds requested through Kick.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	RunOnStart   bool
}

// Scheduler drives periodic refresh rounds. Rounds never overlap.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	kick   chan struct{}
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Kick requests an extra round as soon as the current one finishes.
// Repeated kicks before that round starts collapse into one.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, s.now().UTC(), "startup")
	}

	next := s.nextTick(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now().UTC())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_round", next).Msg("waiting for next round")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.kick:
			timer.Stop()
			s.execute(ctx, tick, s.now().UTC(), "kick")
			continue
		case <-timer.C:
			timer.Stop()
		}

		s.execute(ctx, tick, s.roundStart(next), "interval")
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time, reason string) {
	s.logger.Info().Time("round", at).Str("reason", reason).Msg("执行刷新")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("round", at).Msg("刷新失败")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	round := now.Truncate(s.opts.Interval)
	if !round.After(now) {
		round = round.Add(s.opts.Interval)
	}
	return round
}

func (s *Scheduler) roundStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
