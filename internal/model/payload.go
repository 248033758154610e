package model

import (
	"fmt"
	"net/http"
)

// Payload is the stage-specific data of a job. Kind names the stage the
// payload belongs to.
type Payload interface {
	Kind() StageName
	Subject() string
}

// Sanitizer is implemented by payloads carrying in-process handles that must
// not travel to another stage.
type Sanitizer interface {
	Sanitize() Payload
}

type RequestPayload struct {
	URL           string `json:"url"`
	RedirectCount int    `json:"redirectCount"`
}

func (p RequestPayload) Kind() StageName { return StageRequest }
func (p RequestPayload) Subject() string { return p.URL }

// ToFetch maps an accepted request onto the fetch stage. key is the canonical
// URL string used as cache key.
func (p RequestPayload) ToFetch(key string) FetchPayload {
	return FetchPayload{URL: key, Key: key, RedirectCount: p.RedirectCount}
}

type FetchPayload struct {
	URL           string `json:"url"`
	Key           string `json:"key"`
	RedirectCount int    `json:"redirectCount"`
	Cached        bool   `json:"cached,omitempty"`
}

func (p FetchPayload) Kind() StageName { return StageFetch }
func (p FetchPayload) Subject() string { return p.URL }

func (p FetchPayload) ToParse() ParsePayload {
	return ParsePayload{URL: p.URL, Key: p.Key}
}

// Redirect builds the request that follows a redirect to target.
func (p FetchPayload) Redirect(target string) RequestPayload {
	return RequestPayload{URL: target, RedirectCount: p.RedirectCount + 1}
}

type ParsePayload struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	MIMEType string `json:"mimeType,omitempty"`

	Header http.Header `json:"-"`
	Body   []byte      `json:"-"`
}

func (p ParsePayload) Kind() StageName { return StageParse }
func (p ParsePayload) Subject() string { return p.URL }

func (p ParsePayload) Sanitize() Payload {
	p.Header = nil
	p.Body = nil
	return p
}

// Discovered maps a reference found in the parsed document onto a new request.
func (p ParsePayload) Discovered(url string) RequestPayload {
	return RequestPayload{URL: url}
}

type WritePayload struct {
	URL string `json:"url"`

	Header   http.Header `json:"-"`
	Body     []byte      `json:"-"`
	MIMEType string      `json:"-"`
}

func (p WritePayload) Kind() StageName { return StageWrite }
func (p WritePayload) Subject() string { return p.URL }

func (p WritePayload) Sanitize() Payload {
	return WritePayload{URL: p.URL}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
