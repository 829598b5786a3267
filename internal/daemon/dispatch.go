package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"

	"phantomid/internal/mailbox"
	"phantomid/internal/proto"
	"phantomid/internal/router"
	"phantomid/internal/tree"
)

var errBadRequest = errors.New("bad request")

// Dispatch runs one wire request against the daemon.
func (d *Daemon) Dispatch(ctx context.Context, req proto.Request) proto.Response {
	if req.RequestID == "" {
		req.RequestID = xid.New().String()
	}
	d.metrics.Request(req.Op)
	resp, err := d.dispatch(ctx, req)
	if err != nil {
		code := codeFor(err)
		d.metrics.Failure(code)
		d.logger.Debug("daemon.request.failed", "op", req.Op, "request_id", req.RequestID, "code", code, "error", err)
		return proto.Failure(req.RequestID, code, err)
	}
	resp.OK = true
	resp.RequestID = req.RequestID
	return resp
}

func (d *Daemon) dispatch(ctx context.Context, req proto.Request) (proto.Response, error) {
	if d.isClosed() {
		return proto.Response{}, ErrClosed
	}
	switch req.Op {
	case proto.OpCreate:
		acc, err := d.CreateAccount(req.ParentID)
		if err != nil {
			return proto.Response{}, err
		}
		view := accountView(acc)
		return proto.Response{Account: &view}, nil

	case proto.OpDelete:
		if req.ID == "" {
			return proto.Response{}, fmt.Errorf("%w: delete needs id", errBadRequest)
		}
		existed := d.DeleteAccount(req.ID)
		return proto.Response{Existed: &existed}, nil

	case proto.OpSend:
		msg, err := d.SendMessage(ctx, req.From, req.To, req.Payload)
		if err != nil {
			return proto.Response{}, err
		}
		return proto.Response{Accepted: true, MessageID: msg.ID}, nil

	case proto.OpFetch:
		msgs, err := d.FetchMessages(req.ID, req.Max)
		if err != nil {
			return proto.Response{}, err
		}
		out := make([]proto.Message, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageView(m))
		}
		return proto.Response{Messages: out}, nil

	case proto.OpRenew:
		var ext time.Duration
		if req.Extension != "" {
			var err error
			ext, err = time.ParseDuration(req.Extension)
			if err != nil || ext <= 0 {
				return proto.Response{}, fmt.Errorf("%w: extension %q", errBadRequest, req.Extension)
			}
		}
		acc, err := d.RenewAccount(req.ID, ext)
		if err != nil {
			return proto.Response{}, err
		}
		view := accountView(acc)
		return proto.Response{Account: &view}, nil

	case proto.OpList:
		order, err := tree.ParseOrder(req.Order)
		if err != nil {
			return proto.Response{}, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		accs, err := d.List(order)
		if err != nil {
			return proto.Response{}, err
		}
		out := make([]proto.Account, 0, len(accs))
		for _, a := range accs {
			out = append(out, accountView(a))
		}
		return proto.Response{Accounts: out}, nil

	case proto.OpStatus:
		st := statusView(d.Status())
		return proto.Response{Status: &st}, nil

	default:
		return proto.Response{}, fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
	}
}

// handle is the transport entry point: one frame in, one frame out.
func (d *Daemon) handle(ctx context.Context, remote net.Addr, body []byte) []byte {
	var resp proto.Response
	req, err := proto.DecodeRequest(body)
	if err != nil {
		d.metrics.Failure(proto.CodeBadRequest)
		resp = proto.Failure("", proto.CodeBadRequest, err)
	} else {
		resp = d.Dispatch(ctx, req)
	}
	out, err := proto.EncodeResponse(resp)
	if err != nil {
		d.logger.Error("daemon.response.encode_failed", "remote", remote.String(), "error", err)
		return nil
	}
	return out
}

func (d *Daemon) isClosed() bool {
	d.life.RLock()
	defer d.life.RUnlock()
	return d.closed
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, tree.ErrUnknownParent):
		return proto.CodeUnknownParent
	case errors.Is(err, tree.ErrIDCollision):
		return proto.CodeIDCollision
	case errors.Is(err, tree.ErrParentFull):
		return proto.CodeParentFull
	case errors.Is(err, tree.ErrTreeFull):
		return proto.CodeTreeFull
	case errors.Is(err, router.ErrUnknownSender):
		return proto.CodeUnknownSender
	case errors.Is(err, router.ErrUnknownRecipient):
		return proto.CodeUnknownRecipient
	case errors.Is(err, router.ErrSelfMessageDenied):
		return proto.CodeSelfMessageDenied
	case errors.Is(err, router.ErrOutsideTrustSubtree):
		return proto.CodeOutsideTrustSubtree
	case errors.Is(err, router.ErrPayloadTooLarge):
		return proto.CodePayloadTooLarge
	case errors.Is(err, router.ErrDeliveryFailed), errors.Is(err, mailbox.ErrInboxFull):
		return proto.CodeDeliveryFailed
	case errors.Is(err, ErrUnknownAccount):
		return proto.CodeUnknownAccount
	case errors.Is(err, errBadRequest):
		return proto.CodeBadRequest
	case errors.Is(err, ErrAlreadyInitialized):
		return proto.CodeAlreadyInitialized
	case errors.Is(err, ErrBind):
		return proto.CodeBindError
	case errors.Is(err, ErrClosed):
		return proto.CodeClosed
	default:
		return proto.CodeInternal
	}
}

func accountView(a tree.Account) proto.Account {
	return proto.Account{
		ID:        a.ID,
		ParentID:  a.ParentID,
		Root:      a.Root(),
		Depth:     a.Depth,
		Children:  a.Children,
		CreatedAt: a.CreatedAt,
		ExpiresAt: a.ExpiresAt,
	}
}

func messageView(m router.Message) proto.Message {
	return proto.Message{ID: m.ID, From: m.From, To: m.To, Payload: m.Payload, SentAt: m.SentAt}
}

func statusView(s Status) proto.Status {
	return proto.Status{
		Version:       proto.Version,
		Accounts:      s.Accounts,
		Depth:         s.Depth,
		Roots:         s.Roots,
		HasRoot:       s.HasRoot(),
		Queued:        s.Queued,
		Sweeps:        s.Sweeps,
		Evicted:       s.Evicted,
		LastSweep:     s.LastSweep,
		SweepInterval: s.SweepInterval.String(),
		TTL:           s.TTL.String(),
		Listen:        s.Listen,
		StartedAt:     s.StartedAt,
	}
}
