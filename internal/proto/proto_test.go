package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRequestPayloadIsBase64(t *testing.T) {
	data, err := EncodeRequest(Request{Op: OpSend, From: "a", To: "b", Payload: []byte{0, 1, 2, 0xff}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"payload":"AAEC/w=="`) {
		t.Fatalf("payload not base64 encoded: %s", data)
	}
	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(req.Payload, []byte{0, 1, 2, 0xff}) {
		t.Fatalf("payload mismatch: %v", req.Payload)
	}
}

func TestMaxSendPayloadFitsFrame(t *testing.T) {
	id := strings.Repeat("f", 64)
	req := Request{
		Op:        OpSend,
		RequestID: strings.Repeat("r", 40),
		From:      id,
		To:        id,
		Payload:   bytes.Repeat([]byte{0xff}, MaxSendPayload()),
	}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) > MaxSizeForOp(OpSend) {
		t.Fatalf("largest send is %d bytes, cap is %d", len(data), MaxSizeForOp(OpSend))
	}
	framed, err := EncodeFrame(data)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if _, err := ReadFrameWithOpCap(bytes.NewReader(framed), SoftMaxFrameSize, MaxSizeForOp); err != nil {
		t.Fatalf("largest send frame rejected: %v", err)
	}
}

func TestDecodeRequestRequiresOp(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"id":"x"}`)); !errors.Is(err, ErrMissingOp) {
		t.Fatalf("expected ErrMissingOp, got %v", err)
	}
	if _, err := DecodeRequest([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFailure(t *testing.T) {
	resp := Failure("r1", CodeBadRequest, errors.New("nope"))
	if resp.OK || resp.Code != CodeBadRequest || resp.Error != "nope" || resp.RequestID != "r1" {
		t.Fatalf("unexpected failure response: %+v", resp)
	}
}
