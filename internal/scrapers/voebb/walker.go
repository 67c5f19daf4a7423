// Package voebb implements the walk through the VÖBB (Verbund der Öffentlichen Bibliotheken
// Berlins) portal down to the table of borrowed items.
package voebb

import (
	"context"
	"fmt"

	"bookaware/internal/assert"
	"bookaware/internal/components/telemetry"
	"bookaware/internal/loans"
	"bookaware/internal/scrapers/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bookaware/voebb")

const DefaultEntryURL = "https://voebb.de/"

const (
	filterField = "selected"
	// the padding is part of the value the portal expects
	filterValue = "ZTEXT       *SBK"

	usernameField = "L#AUSW"
	passwordField = "LPASSW"
	loginButton   = "LLOGIN"

	accountLoansSelector = `div#konto-services li a[href*="S*SZA"]`
)

const report_walker_run = "walker.run"

type Credentials struct {
	Username string
	Password string
}

// Walker logs into the portal and reads the loans of one account. Every Run starts from
// a fresh session so no cookies survive between walks.
type Walker struct {
	entryURL string
	creds    Credentials
	opts     session.Options
	tel      telemetry.API
}

func NewWalker(entryURL string, creds Credentials, opts session.Options, tel telemetry.API) *Walker {
	assert.NotNil(tel, "tel")
	if entryURL == "" {
		entryURL = DefaultEntryURL
	}
	return &Walker{
		entryURL: entryURL,
		creds:    creds,
		opts:     opts,
		tel:      telemetry.NewScopedAPI("voebb", tel),
	}
}

type step struct {
	name string
	run  func(ctx context.Context, sess *session.Session) error
}

func (w *Walker) steps() []step {
	return []step{
		{"load", func(ctx context.Context, sess *session.Session) error {
			return sess.Load(ctx, w.entryURL)
		}},
		{"select-filter", func(ctx context.Context, sess *session.Session) error {
			return sess.SubmitForm(ctx, map[string]string{filterField: filterValue}, "")
		}},
		{"login", func(ctx context.Context, sess *session.Session) error {
			return sess.SubmitForm(ctx, map[string]string{
				usernameField: w.creds.Username,
				passwordField: w.creds.Password,
			}, loginButton)
		}},
		{"open-loans", func(ctx context.Context, sess *session.Session) error {
			return sess.FollowLink(ctx, accountLoansSelector)
		}},
	}
}

// Run performs one walk. The first failing step aborts it, its *session.NavigationError or
// *ParseError is returned wrapped. An empty result means there are no loans.
func (w *Walker) Run(ctx context.Context) ([]loans.Record, error) {
	ctx, span := tracer.Start(ctx, "walker:Run")
	defer span.End()

	sess, err := session.New(w.tel, w.opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create session")
		return nil, err
	}

	for _, s := range w.steps() {
		err := s.run(ctx, sess)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("step %s failed", s.name))
			return nil, fmt.Errorf("voebb: %s: %w", s.name, err)
		}
		w.tel.ReportDebug(report_walker_run, "step", s.name, "url", sess.State().URL.String())
	}

	doc, err := sess.Document()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse loans page")
		return nil, fmt.Errorf("voebb: parse loans page: %w", err)
	}
	records, err := ParseLoans(doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read loans table")
		return nil, fmt.Errorf("voebb: read loans table: %w", err)
	}

	span.SetAttributes(attribute.Int("voebb.loans", len(records)))
	return records, nil
}
