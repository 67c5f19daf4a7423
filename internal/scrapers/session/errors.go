package session

import (
	"fmt"
	"strings"
)

// Stage names the navigation step that failed.
type Stage string

const (
	StageLoad            Stage = "load"
	StageFormNotFound    Stage = "form-not-found"
	StageFormSubmit      Stage = "form-submit"
	StageLinkNotFound    Stage = "link-not-found"
	StageLinkMissingHref Stage = "link-missing-href"
	StageLinkFollow      Stage = "link-follow"
)

// NavigationError is returned by every failed Session step. Status is the HTTP status code
// when the server answered with a non-2xx response and 0 otherwise, Err is the transport
// or parsing error if there was one.
type NavigationError struct {
	Stage  Stage
	URL    string
	Status int
	Err    error
}

func (e *NavigationError) Error() string {
	var b strings.Builder
	b.WriteString("navigation failed at ")
	b.WriteString(string(e.Stage))
	if e.URL != "" {
		b.WriteString(fmt.Sprintf(" (%s)", e.URL))
	}
	if e.Status != 0 {
		b.WriteString(fmt.Sprintf(": status %d", e.Status))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}
