// Package notify delivers gateway events to whatever is acting as the UI.
package notify

import (
	"context"
	"fmt"
)

type Kind string

const (
	ProposalPending Kind = "proposal_pending"
	RequestPending  Kind = "request_pending"
	SessionsChanged Kind = "sessions_changed"
	PinError        Kind = "pin_error"
)

// Event is a UI notification. It never carries secret material.
type Event struct {
	Kind   Kind   `json:"kind"`
	ID     int64  `json:"id,omitempty"`
	Topic  string `json:"topic,omitempty"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Title)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Title, e.Detail)
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event)

func (f Func) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
