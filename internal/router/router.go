// Package router validates messages between live accounts and hands them to
// a delivery sink.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"phantomid/internal/clock"
	"phantomid/internal/logging"
	"phantomid/internal/tree"
)

const DefaultMaxPayload = 4096

var (
	ErrUnknownSender       = errors.New("unknown sender")
	ErrUnknownRecipient    = errors.New("unknown recipient")
	ErrSelfMessageDenied   = errors.New("self message denied")
	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrOutsideTrustSubtree = errors.New("recipient outside sender trust subtree")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

type Message struct {
	ID      string
	From    string
	To      string
	Payload []byte
	SentAt  time.Time
}

// Sink receives accepted messages. Deliver is called without any tree lock
// held and at most once per message.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

type Options struct {
	// ConfineToSubtree restricts delivery to accounts sharing a root.
	ConfineToSubtree bool
	MaxPayload       int
	Clock            clock.Clock
	Logger           pslog.Logger
}

type Router struct {
	tree       *tree.Tree
	sink       Sink
	confine    bool
	maxPayload int
	clock      clock.Clock
	logger     pslog.Logger
}

func New(t *tree.Tree, sink Sink, opts Options) *Router {
	max := opts.MaxPayload
	if max <= 0 {
		max = DefaultMaxPayload
	}
	return &Router{
		tree:       t,
		sink:       sink,
		confine:    opts.ConfineToSubtree,
		maxPayload: max,
		clock:      clock.OrReal(opts.Clock),
		logger:     logging.WithSubsystem(opts.Logger, "router"),
	}
}

// Send checks sender, recipient and policy in that order, then passes the
// message to the sink. The returned Message carries the assigned id.
func (r *Router) Send(ctx context.Context, from, to string, payload []byte) (Message, error) {
	if _, ok := r.tree.Lookup(from); !ok {
		return Message{}, ErrUnknownSender
	}
	if _, ok := r.tree.Lookup(to); !ok {
		return Message{}, ErrUnknownRecipient
	}
	if from == to {
		return Message{}, ErrSelfMessageDenied
	}
	if r.confine && !r.tree.SameTree(from, to) {
		return Message{}, ErrOutsideTrustSubtree
	}
	if len(payload) > r.maxPayload {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), r.maxPayload)
	}

	msg := Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Payload: append([]byte(nil), payload...),
		SentAt:  r.clock.Now(),
	}
	if r.sink == nil {
		return Message{}, fmt.Errorf("%w: no sink", ErrDeliveryFailed)
	}
	if err := r.sink.Deliver(ctx, msg); err != nil {
		r.logger.Warn("router.deliver.failed", "message_id", msg.ID, "error", err)
		return Message{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	r.logger.Debug("router.delivered", "message_id", msg.ID, "bytes", len(payload))
	return msg, nil
}

func (r *Router) MaxPayload() int { return r.maxPayload }
