// Package proto defines the request/response bodies exchanged with the
// daemon. Bodies are JSON, carried in length-prefixed frames.
package proto

import (
	"encoding/json"
	"errors"
	"time"
)

const Version = "phantomid/1"

// Operations.
const (
	OpCreate = "create"
	OpDelete = "delete"
	OpSend   = "send"
	OpFetch  = "fetch"
	OpRenew  = "renew"
	OpList   = "list"
	OpStatus = "status"
)

// Failure codes.
const (
	CodeUnknownParent       = "unknown_parent"
	CodeIDCollision         = "id_collision"
	CodeParentFull          = "parent_full"
	CodeTreeFull            = "tree_full"
	CodeUnknownSender       = "unknown_sender"
	CodeUnknownRecipient    = "unknown_recipient"
	CodeSelfMessageDenied   = "self_message_denied"
	CodeDeliveryFailed      = "delivery_failed"
	CodeOutsideTrustSubtree = "outside_trust_subtree"
	CodePayloadTooLarge     = "payload_too_large"
	CodeUnknownAccount      = "unknown_account"
	CodeBadRequest          = "bad_request"
	CodeAlreadyInitialized  = "already_initialized"
	CodeBindError           = "bind_error"
	CodeClosed              = "closed"
	CodeInternal            = "internal"
)

var ErrMissingOp = errors.New("missing op")

type Request struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	// Payload is opaque; JSON carries it as base64.
	Payload []byte `json:"payload,omitempty"`
	// Extension is a Go duration string such as "720h".
	Extension string `json:"extension,omitempty"`
	Order     string `json:"order,omitempty"`
	Max       int    `json:"max,omitempty"`
}

type Account struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Root      bool      `json:"root"`
	Depth     int       `json:"depth"`
	Children  int       `json:"children"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Payload []byte    `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

type Status struct {
	Version       string    `json:"version"`
	Accounts      int       `json:"accounts"`
	Depth         int       `json:"depth"`
	Roots         int       `json:"roots"`
	HasRoot       bool      `json:"has_root"`
	Queued        int       `json:"queued"`
	Sweeps        uint64    `json:"sweeps"`
	Evicted       uint64    `json:"evicted"`
	LastSweep     time.Time `json:"last_sweep,omitempty"`
	SweepInterval string    `json:"sweep_interval"`
	TTL           string    `json:"ttl"`
	Listen        string    `json:"listen,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

type Response struct {
	OK        bool      `json:"ok"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Account   *Account  `json:"account,omitempty"`
	Accounts  []Account `json:"accounts,omitempty"`
	Existed   *bool     `json:"existed,omitempty"`
	Accepted  bool      `json:"accepted,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Status    *Status   `json:"status,omitempty"`
}

func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, err
	}
	if r.Op == "" {
		return Request{}, ErrMissingOp
	}
	return r, nil
}

func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeResponse(data []byte) (Response, error) {
	var r Response
	err := json.Unmarshal(data, &r)
	return r, err
}

// Failure builds an error response.
func Failure(requestID, code string, err error) Response {
	resp := Response{RequestID: requestID, Code: code}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// sendEnvelope is the frame budget reserved for the non-payload fields of a
// send request (op, request id, two ids, JSON punctuation).
const sendEnvelope = 1 << 10

// MaxSendPayload is the largest payload that still fits a send frame once
// base64-encoded.
func MaxSendPayload() int {
	return (MaxSizeForOp(OpSend) - sendEnvelope) / 4 * 3
}

// MaxSizeForOp caps request frames above SoftMaxFrameSize. Only send may
// carry a payload big enough to need it.
func MaxSizeForOp(op string) int {
	switch op {
	case OpSend:
		return 256 << 10
	default:
		return SoftMaxFrameSize
	}
}
