// Package approval resolves permission requests raised by the engine
// mid-turn. The policy is injectable so stricter variants can replace the
// unattended default without touching the protocol client.
package approval

import "context"

// OptionKind classifies a permission option offered by the engine.
type OptionKind string

const (
	KindAllowOnce    OptionKind = "allow_once"
	KindAllowAlways  OptionKind = "allow_always"
	KindRejectOnce   OptionKind = "reject_once"
	KindRejectAlways OptionKind = "reject_always"
)

// Option is one choice the engine offers for a permission request.
type Option struct {
	ID   string     `json:"optionId"`
	Name string     `json:"name"`
	Kind OptionKind `json:"kind"`
}

// Request is a permission request raised by the engine. Transient; never
// persisted.
type Request struct {
	SessionID string
	Title     string
	Options   []Option
}

// Outcome describes how a request was resolved.
type Outcome string

const (
	OutcomeSelected  Outcome = "selected"
	OutcomeCancelled Outcome = "cancelled"
)

// Decision is the resolution of a permission request.
type Decision struct {
	Outcome  Outcome
	OptionID string
}

// Policy decides permission requests. Decide must be synchronous and must
// not fail; a policy that cannot decide returns a cancelled decision.
type Policy interface {
	Decide(ctx context.Context, req Request) Decision
}

// AllowFirst approves every request by selecting the first allow option the
// engine offers. coderd runs unattended; this trades safety for automation
// on purpose. Requests that carry no allow option are cancelled.
type AllowFirst struct{}

// Decide implements Policy.
func (AllowFirst) Decide(_ context.Context, req Request) Decision {
	for _, opt := range req.Options {
		if opt.Kind == KindAllowOnce || opt.Kind == KindAllowAlways {
			return Decision{Outcome: OutcomeSelected, OptionID: opt.ID}
		}
	}
	return Decision{Outcome: OutcomeCancelled}
}
