// Package daemon runs the scrape schedule: it waits for the next deadline or a refresh
// command, scrapes when due and hands the result to the publisher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookaware/internal/assert"
	"bookaware/internal/components/chrono"
	"bookaware/internal/components/telemetry"
	"bookaware/internal/loans"
	"bookaware/internal/schedule"
	"bookaware/internal/scrapers/session"
	"bookaware/internal/scrapers/voebb"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("bookaware/daemon")
	meter  = otel.Meter("bookaware/daemon")
)

const (
	report_loop_scrape               = "loop.scrape"
	report_loop_publish              = "loop.publish"
	report_loop_command              = "loop.command"
	report_loop_consecutive_failures = "loop.consecutive-failures"
	report_loop_loans                = "loop.loans"
	report_loop_wait                 = "loop.wait"
	report_loop_refresh              = "loop.refresh"
)

const (
	DefaultMinWait     = 5 * time.Second
	DefaultWalkTimeout = 5 * time.Minute
)

type Walker interface {
	Run(ctx context.Context) ([]loans.Record, error)
}

// Publisher receives the records of every successful walk, `now` is the evaluation time
// for derived values like days left.
type Publisher interface {
	Publish(ctx context.Context, records []loans.Record, now time.Time) error
}

type Store interface {
	Load(ctx context.Context) (schedule.State, error)
	RecordScrapeAttempt(ctx context.Context, now time.Time) error
	RequestRefresh(ctx context.Context, kind schedule.RefreshKind, now time.Time) (bool, error)
}

type Options struct {
	// MinWait is the shortest the loop sleeps between two evaluations, defaults to DefaultMinWait.
	MinWait time.Duration
	// WalkTimeout bounds a single walk, defaults to DefaultWalkTimeout.
	WalkTimeout time.Duration
}

type Loop struct {
	store     Store
	walker    Walker
	publisher Publisher
	time      chrono.TimeAPI
	tel       telemetry.API

	minWait     time.Duration
	walkTimeout time.Duration

	lastChecked         time.Time
	consecutiveFailures int64

	scrapeCounter  metric.Int64Counter
	failureCounter metric.Int64Counter
	loansGauge     metric.Int64Gauge
}

func NewLoop(
	store Store,
	walker Walker,
	publisher Publisher,
	clock chrono.TimeAPI,
	tel telemetry.API,
	opts Options,
) (*Loop, error) {
	assert.NotNil(store, "store")
	assert.NotNil(walker, "walker")
	assert.NotNil(publisher, "publisher")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "tel")

	scrapeCounter, err := meter.Int64Counter(
		"bookaware_scrapes_total",
		metric.WithDescription("The total amount of scrape attempts."),
	)
	if err != nil {
		return nil, err
	}
	failureCounter, err := meter.Int64Counter(
		"bookaware_scrape_failures_total",
		metric.WithDescription("The total amount of failed scrape attempts by kind."),
	)
	if err != nil {
		return nil, err
	}
	loansGauge, err := meter.Int64Gauge(
		"bookaware_loans",
		metric.WithDescription("The amount of loans found by the last successful scrape."),
	)
	if err != nil {
		return nil, err
	}

	minWait := opts.MinWait
	if minWait <= 0 {
		minWait = DefaultMinWait
	}
	walkTimeout := opts.WalkTimeout
	if walkTimeout <= 0 {
		walkTimeout = DefaultWalkTimeout
	}

	return &Loop{
		store:          store,
		walker:         walker,
		publisher:      publisher,
		time:           clock,
		tel:            telemetry.NewScopedAPI("daemon", tel),
		minWait:        minWait,
		walkTimeout:    walkTimeout,
		scrapeCounter:  scrapeCounter,
		failureCounter: failureCounter,
		loansGauge:     loansGauge,
	}, nil
}

// Run evaluates the schedule until ctx is done. Commands are complete input lines, a closed
// channel just stops command handling. Walk failures never end the loop, only failures of
// the schedule store do.
func (l *Loop) Run(ctx context.Context, commands <-chan []byte) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		state, err := l.store.Load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load schedule: %w", err)
		}

		now := l.time.Now()
		due := state.Due(now, l.lastChecked)
		l.lastChecked = now

		if due {
			err = l.scrape(ctx, now)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		wait := max(state.NextScrape.Sub(now), l.minWait)
		deadline := l.time.After(wait)
		l.tel.ReportDebug(report_loop_wait, "next_scrape", state.NextScrape, "wait", wait.String())

		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
		case line, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			err = l.handleCommand(ctx, line)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (l *Loop) handleCommand(ctx context.Context, line []byte) error {
	kind, err := DecodeCommand(line)
	if err != nil {
		l.tel.ReportWarning(report_loop_command, err)
		return nil
	}

	applied, err := l.store.RequestRefresh(ctx, kind, l.time.Now())
	if err != nil {
		return fmt.Errorf("request %s refresh: %w", kind, err)
	}
	l.tel.ReportDebug(report_loop_refresh, "kind", kind.String(), "applied", applied)
	return nil
}

func failureKind(err error) string {
	var parseErr *voebb.ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	var navErr *session.NavigationError
	if errors.As(err, &navErr) {
		return "navigation"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}

// scrape runs one walk. The attempt is recorded before walking so a failing or crashing walk
// still uses up its slot.
func (l *Loop) scrape(ctx context.Context, now time.Time) error {
	ctx, span := tracer.Start(ctx, "loop:scrape")
	defer span.End()

	err := l.store.RecordScrapeAttempt(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record scrape attempt")
		return fmt.Errorf("record scrape attempt: %w", err)
	}
	l.scrapeCounter.Add(ctx, 1)

	// a started walk finishes even when shutdown is requested
	walkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.walkTimeout)
	defer cancel()

	records, err := l.walker.Run(walkCtx)
	if err != nil {
		l.consecutiveFailures++
		kind := failureKind(err)

		span.RecordError(err)
		span.SetStatus(codes.Error, "walk failed")
		l.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))

		if kind == "parse" {
			l.tel.ReportBroken(report_loop_scrape, err)
		} else {
			l.tel.ReportWarning(report_loop_scrape, kind, err)
		}
		l.tel.ReportCount(report_loop_consecutive_failures, l.consecutiveFailures)
		return nil
	}

	l.consecutiveFailures = 0
	l.loansGauge.Record(ctx, int64(len(records)))
	l.tel.ReportCount(report_loop_loans, int64(len(records)))

	err = l.publisher.Publish(ctx, records, l.time.Now())
	if err != nil {
		span.RecordError(err)
		l.tel.ReportWarning(report_loop_publish, err)
	}
	return nil
}
