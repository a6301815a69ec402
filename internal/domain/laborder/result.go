package laborder

import (
	"sort"
	"time"
)

// ResultKind discriminates the Result variants.
type ResultKind string

const (
	ResultNone     ResultKind = "none"
	ResultValues   ResultKind = "values"
	ResultDocument ResultKind = "document"
)

// Result is exactly one of NoResult, Values or Document.
type Result interface {
	Kind() ResultKind
	isResult()
}

// NoResult means nothing has been submitted yet.
type NoResult struct{}

func (NoResult) Kind() ResultKind { return ResultNone }
func (NoResult) isResult()        {}

// Values is a structured field→value result. It is immutable once built.
type Values struct {
	fields map[string]string
}

// NewValues copies fields into a Values result.
func NewValues(fields map[string]string) Values {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Values{fields: cp}
}

func (Values) Kind() ResultKind { return ResultValues }
func (Values) isResult()        {}

// Fields returns a copy of the stored values.
func (v Values) Fields() map[string]string {
	cp := make(map[string]string, len(v.fields))
	for k, val := range v.fields {
		cp[k] = val
	}
	return cp
}

// Get returns a single field value.
func (v Values) Get(name string) (string, bool) {
	val, ok := v.fields[name]
	return val, ok
}

// Names returns the stored field names sorted.
func (v Values) Names() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DocumentRef is an opaque pointer into the document store.
type DocumentRef struct {
	Key         string    `json:"key"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at,omitempty"`
}

// IsZero reports whether the reference points at nothing.
func (r DocumentRef) IsZero() bool { return r.Key == "" }

// Document is a result delivered as an uploaded file.
type Document struct {
	Ref DocumentRef
}

func (Document) Kind() ResultKind { return ResultDocument }
func (Document) isResult()        {}
