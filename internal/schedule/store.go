// Package schedule persists when the next scrape is due so that restarts neither lose a due
// scrape nor trigger one early.
package schedule

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"bookaware/internal/assert"
	"bookaware/internal/components/chrono"
	"bookaware/internal/components/telemetry"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

const (
	keyLastScrape = "last_scrape"
	keyNextScrape = "next_scrape"
)

// SoftRefreshCooldown is how long after a scrape attempt soft refresh requests are ignored.
const SoftRefreshCooldown = 10 * time.Minute

const report_store_request_refresh = "store.request-refresh"

var ErrLocked = errors.New("schedule store is locked by another process")

type RefreshKind int

const (
	Force RefreshKind = iota + 1
	SoftRefresh
)

func (k RefreshKind) String() string {
	switch k {
	case Force:
		return "force"
	case SoftRefresh:
		return "soft"
	default:
		return fmt.Sprintf("RefreshKind(%d)", int(k))
	}
}

// State is a snapshot of the stored schedule. A zero LastScrape means no scrape was ever attempted.
type State struct {
	LastScrape time.Time
	NextScrape time.Time
}

// Due reports whether a scrape should start at `now`. Besides the deadline having passed,
// `now` lying before the last attempt or before `lastChecked` means the clock went backwards,
// which also counts as due so a clock jump cannot stall the schedule.
func (s State) Due(now, lastChecked time.Time) bool {
	if !now.Before(s.NextScrape) {
		return true
	}
	if !s.LastScrape.IsZero() && now.Before(s.LastScrape) {
		return true
	}
	if !lastChecked.IsZero() && now.Before(lastChecked) {
		return true
	}
	return false
}

type Options struct {
	// Path of the sqlite file, ":memory:" keeps the schedule in memory (and skips locking).
	Path     string
	Interval time.Duration
	Time     chrono.TimeAPI
}

// Store is the durable schedule. It is meant to have a single writer, a lock file next to
// the database keeps a second process from opening it.
type Store struct {
	db       *sql.DB
	lock     *flock.Flock
	interval time.Duration
	time     chrono.TimeAPI
	tel      telemetry.API
}

func Open(ctx context.Context, opts Options, tel telemetry.API) (*Store, error) {
	assert.NotNil(tel, "tel")
	assert.NotNil(opts.Time, "opts.Time")
	assert.Positive(opts.Interval, "opts.Interval")
	assert.NotEmptyStr(opts.Path, "opts.Path")

	var lock *flock.Flock
	dsn := ":memory:"
	if opts.Path != ":memory:" {
		lock = flock.New(opts.Path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock schedule store: %w", err)
		}
		if !locked {
			return nil, ErrLocked
		}
		dsn = fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
			opts.Path,
		)
	}

	store, err := open(ctx, dsn, opts, tel)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}
	store.lock = lock
	return store, nil
}

func open(ctx context.Context, dsn string, opts Options, tel telemetry.API) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection is also what keeps an in-memory database alive
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create schedule schema: %w", err)
	}

	// first run, the scrape is due right away
	_, err = db.ExecContext(
		ctx,
		"insert or ignore into schedule(key, value) values (?, ?)",
		keyNextScrape, opts.Time.Now().UnixMilli(),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schedule: %w", err)
	}

	return &Store{
		db:       db,
		interval: opts.Interval,
		time:     opts.Time,
		tel:      telemetry.NewScopedAPI("schedule", tel),
	}, nil
}

// Inspect reads the schedule stored at `path` without locking, creating or writing anything,
// so it works while a daemon holds the store. ok is false when nothing was stored yet.
func Inspect(ctx context.Context, path string) (state State, ok bool, err error) {
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return State{}, false, err
	}
	defer db.Close()

	next, ok, err := get(ctx, db, keyNextScrape)
	if err != nil || !ok {
		return State{}, false, err
	}
	last, _, err := get(ctx, db, keyLastScrape)
	if err != nil {
		return State{}, false, err
	}
	return State{LastScrape: last, NextScrape: next}, true, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		err = errors.Join(err, s.lock.Unlock())
	}
	return err
}

func (s *Store) Interval() time.Duration {
	return s.interval
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, key string) (time.Time, bool, error) {
	var millis int64
	err := q.QueryRowContext(ctx, "select value from schedule where key = ?", key).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return time.UnixMilli(millis), true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func set(ctx context.Context, e execer, key string, value time.Time) error {
	_, err := e.ExecContext(
		ctx,
		`insert into schedule(key, value) values (?, ?)
		on conflict(key) do update set value = excluded.value`,
		key, value.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// NextScrape returns the stored deadline, or now if none was ever stored.
func (s *Store) NextScrape(ctx context.Context) (time.Time, error) {
	next, ok, err := get(ctx, s.db, keyNextScrape)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return s.time.Now(), nil
	}
	return next, nil
}

// LastScrape returns the start of the last scrape attempt, ok is false if there was none.
func (s *Store) LastScrape(ctx context.Context) (time.Time, bool, error) {
	return get(ctx, s.db, keyLastScrape)
}

func (s *Store) Load(ctx context.Context) (State, error) {
	next, err := s.NextScrape(ctx)
	if err != nil {
		return State{}, err
	}
	last, _, err := s.LastScrape(ctx)
	if err != nil {
		return State{}, err
	}
	return State{LastScrape: last, NextScrape: next}, nil
}

// RecordScrapeAttempt marks a scrape as started at `now` and pushes the deadline one interval out.
func (s *Store) RecordScrapeAttempt(ctx context.Context, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = set(ctx, tx, keyLastScrape, now)
	if err != nil {
		return err
	}
	err = set(ctx, tx, keyNextScrape, now.Add(s.interval))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequestRefresh moves the deadline to `now`. Soft requests are dropped while the last
// attempt is within SoftRefreshCooldown, `applied` tells whether the deadline moved.
func (s *Store) RequestRefresh(ctx context.Context, kind RefreshKind, now time.Time) (applied bool, err error) {
	switch kind {
	case Force:
	case SoftRefresh:
		last, ok, err := s.LastScrape(ctx)
		if err != nil {
			return false, err
		}
		if ok && now.Sub(last) <= SoftRefreshCooldown {
			s.tel.ReportWarning(
				report_store_request_refresh,
				"soft refresh ignored, last scrape too recent",
				"last_scrape", last,
				"cooldown", SoftRefreshCooldown.String(),
			)
			return false, nil
		}
	default:
		return false, fmt.Errorf("unknown refresh kind %v", kind)
	}

	err = set(ctx, s.db, keyNextScrape, now)
	if err != nil {
		return false, err
	}
	return true, nil
}
