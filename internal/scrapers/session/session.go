// Package session drives a cookie-bearing HTTP client through multi-step HTML flows: loading
// pages, submitting the forms on them and following links, one step at a time.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"bookaware/internal/assert"
	"bookaware/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("bookaware/session")

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

const report_session_navigate = "session.navigate"

// State is the page a session currently sits on. It is only ever replaced as a whole.
type State struct {
	URL      *url.URL
	Document []byte
}

type Options struct {
	// UserAgent defaults to DefaultUserAgent.
	UserAgent string
	// RequestsPerSecond paces every request of the session, 0 disables pacing.
	RequestsPerSecond float64
	// CloudflareBypass wraps the transport so it presents browser-like TLS and headers.
	CloudflareBypass bool
	// Timeout applies to each request, defaults to 30 seconds.
	Timeout time.Duration
	// HttpOutput receives every request/response exchange when set.
	HttpOutput telemetry.HttpOutput
}

// Session is a single-owner navigation context, it must not be used from multiple goroutines.
type Session struct {
	http  *resty.Client
	state State
	tel   telemetry.API
}

func New(tel telemetry.API, opts Options) (*Session, error) {
	assert.NotNil(tel, "tel")
	tel = telemetry.NewScopedAPI("session", tel)

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	if opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	httpClient.SetHeader("user-agent", userAgent)
	httpClient.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 30
	}
	httpClient.SetTimeout(timeout)

	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(httpClient, tel, opts.HttpOutput)

	return &Session{
		http: httpClient,
		tel:  tel,
	}, nil
}

// State returns the current page, URL is nil before the first successful step.
func (s *Session) State() State {
	return s.state
}

// Document parses the current page.
func (s *Session) Document() (*goquery.Document, error) {
	if s.state.URL == nil {
		return nil, errors.New("no page loaded")
	}
	return goquery.NewDocumentFromReader(bytes.NewReader(s.state.Document))
}

// resolve turns `ref` into an absolute URL relative to the current page.
func (s *Session) resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if s.state.URL == nil {
		if !parsed.IsAbs() {
			return nil, fmt.Errorf("cannot resolve relative url %q without a loaded page", ref)
		}
		return parsed, nil
	}
	return s.state.URL.ResolveReference(parsed), nil
}

// fetch performs a request and replaces the state only when the response was a 2xx.
func (s *Session) fetch(ctx context.Context, stage Stage, method string, target *url.URL, form url.Values) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("session.stage", string(stage)),
		attribute.String("session.target", target.String()),
	)

	req := s.http.R().SetContext(ctx)
	if form != nil {
		req.SetFormDataFromValues(form)
	}
	res, err := req.Execute(method, target.String())
	if err != nil {
		return &NavigationError{Stage: stage, URL: target.String(), Err: err}
	}
	if !res.IsSuccess() {
		return &NavigationError{Stage: stage, URL: target.String(), Status: res.StatusCode()}
	}

	final := target
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		final = res.RawResponse.Request.URL
	}
	s.state = State{
		URL:      final,
		Document: res.Body(),
	}
	s.tel.ReportDebug(report_session_navigate, "stage", string(stage), "url", final.String(), "status", res.StatusCode())
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Load fetches `target`, relative targets are resolved against the current page.
func (s *Session) Load(ctx context.Context, target string) (err error) {
	ctx, span := tracer.Start(ctx, "session:Load")
	defer func() { endSpan(span, err) }()

	resolved, err := s.resolve(target)
	if err != nil {
		return &NavigationError{Stage: StageLoad, URL: target, Err: err}
	}
	return s.fetch(ctx, StageLoad, "GET", resolved, nil)
}

// SubmitForm posts the first form of the current page. See FormPayload for how the payload is built.
func (s *Session) SubmitForm(ctx context.Context, overrides map[string]string, button string) (err error) {
	ctx, span := tracer.Start(ctx, "session:SubmitForm")
	defer func() { endSpan(span, err) }()

	doc, err := s.Document()
	if err != nil {
		return &NavigationError{Stage: StageFormNotFound, Err: err}
	}
	form := doc.Find("form").First()
	if form.Length() == 0 {
		return &NavigationError{Stage: StageFormNotFound, URL: s.state.URL.String()}
	}

	action := form.AttrOr("action", "")
	target, err := s.resolve(action)
	if err != nil {
		return &NavigationError{Stage: StageFormSubmit, URL: action, Err: err}
	}

	payload := FormPayload(form, overrides, button)
	return s.fetch(ctx, StageFormSubmit, "POST", target, payload)
}

// FollowLink performs a GET on the href of the first element matching `selector`.
func (s *Session) FollowLink(ctx context.Context, selector string) (err error) {
	ctx, span := tracer.Start(ctx, "session:FollowLink")
	defer func() { endSpan(span, err) }()

	doc, err := s.Document()
	if err != nil {
		return &NavigationError{Stage: StageLinkNotFound, Err: err}
	}
	link := doc.Find(selector).First()
	if link.Length() == 0 {
		return &NavigationError{
			Stage: StageLinkNotFound,
			URL:   s.state.URL.String(),
			Err:   fmt.Errorf("no element matches %q", selector),
		}
	}
	href := strings.TrimSpace(link.AttrOr("href", ""))
	if href == "" {
		return &NavigationError{
			Stage: StageLinkMissingHref,
			URL:   s.state.URL.String(),
			Err:   fmt.Errorf("element matching %q has no href", selector),
		}
	}

	target, err := s.resolve(href)
	if err != nil {
		return &NavigationError{Stage: StageLinkFollow, URL: href, Err: err}
	}
	return s.fetch(ctx, StageLinkFollow, "GET", target, nil)
}

// FormPayload collects the values of every named input of `form`:
//  1. the value attribute of the input ("" when absent),
//  2. replaced by overrides[name] when present,
//  3. submit inputs are only kept when their name is `button`, so an empty `button`
//     drops all of them.
//
// Later inputs with the same name replace earlier ones.
func FormPayload(form *goquery.Selection, overrides map[string]string, button string) url.Values {
	payload := url.Values{}
	form.Find("input").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		if name == "" {
			return
		}
		if strings.EqualFold(input.AttrOr("type", ""), "submit") && name != button {
			return
		}

		value := input.AttrOr("value", "")
		override, ok := overrides[name]
		if ok {
			value = override
		}
		payload.Set(name, value)
	})
	return payload
}
