// Package sideeffect carries the result of best-effort work (notifications, audit entries)
// that accompanies a workflow transition. Outcomes are reported, logged and counted, but
// never turned into an error of the primary operation.
package sideeffect

import (
	"errors"

	"go.uber.org/zap"
)

// Kind names the type of side effect
type Kind string

const (
	KindNotification Kind = "notification"
	KindAudit        Kind = "audit"
)

// Outcome is the result of one side effect
type Outcome struct {
	Kind Kind
	// Ref identifies what was produced or targeted (notification id, audit action, user id)
	Ref string
	Err error
}

// OK reports whether the side effect succeeded
func (o Outcome) OK() bool { return o.Err == nil }

// Succeeded builds a successful outcome
func Succeeded(kind Kind, ref string) Outcome { return Outcome{Kind: kind, Ref: ref} }

// Failed builds a failed outcome
func Failed(kind Kind, ref string, err error) Outcome { return Outcome{Kind: kind, Ref: ref, Err: err} }

// Report collects the outcomes of one operation
type Report []Outcome

// Add appends outcomes
func (r *Report) Add(o ...Outcome) { *r = append(*r, o...) }

// Failures returns the failed outcomes
func (r Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Count returns how many outcomes of kind succeeded
func (r Report) Count(kind Kind) int {
	n := 0
	for _, o := range r {
		if o.Kind == kind && o.OK() {
			n++
		}
	}
	return n
}

// Err joins the failures for logging. It is never returned to callers of the operation.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Failures() {
		errs = append(errs, o.Err)
	}
	return errors.Join(errs...)
}

// Log writes one warning per failed outcome
func (r Report) Log(logger *zap.Logger, op string) {
	for _, o := range r.Failures() {
		logger.Warn("side effect failed",
			zap.String("operation", op),
			zap.String("kind", string(o.Kind)),
			zap.String("ref", o.Ref),
			zap.Error(o.Err))
	}
}
