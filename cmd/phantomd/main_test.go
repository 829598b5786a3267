package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"phantomid/internal/metrics"
	"phantomid/internal/network"
	"phantomid/internal/proto"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "phantomd") {
		t.Fatalf("expected help output to mention phantomd")
	}
	if !strings.Contains(out.String(), "--sweep-interval") {
		t.Fatalf("expected help output to list config flags:\n%s", out.String())
	}
}

func TestUnknownArgs(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"bogus"}, &out, &out); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestInvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--ttl", "0s", "--port", "0"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "ttl") {
		t.Fatalf("expected ttl error, got %q", stderr.String())
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PHANTOM_SWEEP_INTERVAL", "-1s")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--port", "0"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected env override to fail validation, got %d", code)
	}
	if !strings.Contains(stderr.String(), "sweep-interval") {
		t.Fatalf("expected sweep-interval error, got %q", stderr.String())
	}
}

func TestDevCA(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"dev-ca"}, &out, &out); code != 0 {
		t.Fatalf("dev-ca exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "BEGIN CERTIFICATE") {
		t.Fatalf("expected PEM output, got %q", out.String())
	}
}

func TestSnapshot(t *testing.T) {
	m := metrics.New()
	m.AccountCreated()
	m.Request("create")
	m.Failure("unknown_parent")
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	var out bytes.Buffer
	if code := run([]string{"snapshot", path}, &out, &out); code != 0 {
		t.Fatalf("snapshot exit %d: %s", code, out.String())
	}
	for _, want := range []string{"created=1", "create=1", "unknown_parent=1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("snapshot output missing %q:\n%s", want, out.String())
		}
	}
}

func TestServeUntilCanceled(t *testing.T) {
	t.Setenv(network.CAPathEnv, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr lockedBuffer
	done := make(chan int, 1)
	go func() {
		done <- execute(ctx, []string{"--host", "127.0.0.1", "--port", "0", "--log-level", "error"}, &stdout, &stderr)
	}()

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatalf("daemon never became ready; stderr:\n%s", stderr.String())
		}
		if line, ok := strings.CutPrefix(strings.TrimSpace(stdout.String()), "READY addr="); ok {
			addr = line
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cli, err := network.NewClient(network.ClientOptions{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer cli.Close()
	body, _ := proto.EncodeRequest(proto.Request{Op: proto.OpCreate})
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	raw, err := cli.Exchange(callCtx, addr, body)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	resp, err := proto.DecodeResponse(raw)
	if err != nil || !resp.OK || resp.Account == nil {
		t.Fatalf("create failed: %+v %v", resp, err)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected clean exit, got %d; stderr:\n%s", code, stderr.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop after cancel")
	}
}
