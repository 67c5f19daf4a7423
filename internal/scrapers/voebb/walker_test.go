package voebb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bookaware/internal/components/telemetry"
	"bookaware/internal/scrapers/session"

	"github.com/stretchr/testify/require"
)

// fakeVoebb serves the fixtures the way the portal chains them: landing page, filter
// submission, login and the account menu.
type fakeVoebb struct {
	t        testing.TB
	username string
	password string

	mu          sync.Mutex
	filterPosts int
	loginPosts  int
	loansPage   string
	loansStatus int
}

func (f *fakeVoebb) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "ALSSESSION", Value: "4711", Path: "/"})
		w.Write(readFixture(f.t, "landing.html"))
	})
	mux.HandleFunc("/alswww2.dll/APS_ZONES", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if _, err := r.Cookie("ALSSESSION"); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		if r.Method == http.MethodGet {
			if !strings.HasSuffix(r.URL.Query().Get("method"), "S*SZA") {
				http.NotFound(w, r)
				return
			}
			if f.loansStatus != 0 {
				w.WriteHeader(f.loansStatus)
				return
			}
			w.Write(readFixture(f.t, f.loansPage))
			return
		}

		err := r.ParseForm()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch {
		case r.PostForm.Has("selected"):
			f.filterPosts++
			// the filter step clicks no button
			if r.PostForm.Get("selected") != "ZTEXT       *SBK" || r.PostForm.Has("ZTEXT") || r.PostForm.Has("ZKONTO") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write(readFixture(f.t, "login.html"))
		case r.PostForm.Has("LLOGIN"):
			f.loginPosts++
			if r.PostForm.Has("LCANCEL") || r.PostForm.Get("SessionToken") != "tok-4711" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.PostForm.Get("L#AUSW") != f.username || r.PostForm.Get("LPASSW") != f.password {
				w.Write(readFixture(f.t, "login.html"))
				return
			}
			http.Redirect(w, r, "/alswww2.dll/APS_ZONES?fn=MySpace&method=S*SZK", http.StatusSeeOther)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	return mux
}

func newFakeVoebb(t testing.TB) (*fakeVoebb, *httptest.Server) {
	portal := &fakeVoebb{
		t:         t,
		username:  "A1234567",
		password:  "hunter2",
		loansPage: "loans.html",
	}
	mux := http.NewServeMux()
	inner := portal.handler()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// the post-login redirect lands on the account menu
		if r.Method == http.MethodGet && r.URL.Query().Get("method") == "S*SZK" {
			w.Write(readFixture(t, "account.html"))
			return
		}
		inner.ServeHTTP(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return portal, server
}

func newTestWalker(server *httptest.Server, creds Credentials, tel telemetry.API) *Walker {
	return NewWalker(server.URL+"/", creds, session.Options{Timeout: 5 * time.Second}, tel)
}

func TestWalkerRun(t *testing.T) {
	portal, server := newFakeVoebb(t)
	tel := &telemetry.RecordingAPI{}
	walker := newTestWalker(server, Credentials{Username: "A1234567", Password: "hunter2"}, tel)

	records, err := walker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "Der Process Kafka, Franz", records[0].Title)
	require.Equal(t, 1, portal.filterPosts)
	require.Equal(t, 1, portal.loginPosts)

	require.Len(t, tel.Reports("debug", report_walker_run), 4)
}

func TestWalkerFreshSessionPerRun(t *testing.T) {
	_, server := newFakeVoebb(t)
	walker := newTestWalker(server, Credentials{Username: "A1234567", Password: "hunter2"}, &telemetry.RecordingAPI{})

	for i := 0; i < 2; i++ {
		records, err := walker.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 3)
	}
}

func TestWalkerNoLoans(t *testing.T) {
	portal, server := newFakeVoebb(t)
	portal.loansPage = "loans_empty.html"
	walker := newTestWalker(server, Credentials{Username: "A1234567", Password: "hunter2"}, &telemetry.RecordingAPI{})

	records, err := walker.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestWalkerWrongPassword(t *testing.T) {
	_, server := newFakeVoebb(t)
	walker := newTestWalker(server, Credentials{Username: "A1234567", Password: "wrong"}, &telemetry.RecordingAPI{})

	records, err := walker.Run(context.Background())
	require.Nil(t, records)

	var navErr *session.NavigationError
	require.True(t, errors.As(err, &navErr), "got %v", err)
	require.Equal(t, session.StageLinkNotFound, navErr.Stage)
}

func TestWalkerLoansPageFailure(t *testing.T) {
	portal, server := newFakeVoebb(t)
	portal.loansStatus = http.StatusInternalServerError
	walker := newTestWalker(server, Credentials{Username: "A1234567", Password: "hunter2"}, &telemetry.RecordingAPI{})

	_, err := walker.Run(context.Background())
	var navErr *session.NavigationError
	require.True(t, errors.As(err, &navErr), "got %v", err)
	require.Equal(t, session.StageLinkFollow, navErr.Stage)
	require.Equal(t, http.StatusInternalServerError, navErr.Status)
}

func TestWalkerMalformedTable(t *testing.T) {
	portal, server := newFakeVoebb(t)
	portal.loansPage = "loans_short_row.html"
	walker := newTestWalker(server, Credentials{Username: "A1234567", Password: "hunter2"}, &telemetry.RecordingAPI{})

	records, err := walker.Run(context.Background())
	require.Nil(t, records)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr), "got %v", err)
	require.Equal(t, 2, parseErr.RowIndex)
}

func TestWalkerPortalDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	walker := newTestWalker(server, Credentials{}, &telemetry.RecordingAPI{})
	_, err := walker.Run(context.Background())

	var navErr *session.NavigationError
	require.True(t, errors.As(err, &navErr), "got %v", err)
	require.Equal(t, session.StageLoad, navErr.Stage)
	require.Equal(t, http.StatusServiceUnavailable, navErr.Status)
}
