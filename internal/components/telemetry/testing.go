package telemetry

import (
	"strings"
	"sync"
)

// Report is a single call captured by RecordingAPI.
type Report struct {
	Kind   string
	ID     string
	Params []any
	Count  int64
}

// RecordingAPI is an API implementation that keeps every report in memory, it is meant
// for tests that assert a component reported (or did not report) something.
type RecordingAPI struct {
	mu      sync.Mutex
	reports []Report
}

func (r *RecordingAPI) record(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *RecordingAPI) ReportBroken(id string, params ...any) {
	r.record(Report{Kind: "broken", ID: id, Params: params})
}

func (r *RecordingAPI) ReportWarning(id string, params ...any) {
	r.record(Report{Kind: "warning", ID: id, Params: params})
}

func (r *RecordingAPI) ReportDebug(msg string, params ...any) {
	r.record(Report{Kind: "debug", ID: msg, Params: params})
}

func (r *RecordingAPI) ReportCount(id string, count int64) {
	r.record(Report{Kind: "count", ID: id, Count: count})
}

// Reports returns a copy of every report of the given kind whose id ends with `suffix`.
// An empty kind matches every kind.
func (r *RecordingAPI) Reports(kind, suffix string) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Report
	for _, rep := range r.reports {
		if kind != "" && rep.Kind != kind {
			continue
		}
		if !strings.HasSuffix(rep.ID, suffix) {
			continue
		}
		out = append(out, rep)
	}
	return out
}
