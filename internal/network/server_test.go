package network

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type countingObserver struct {
	opened, closed, rejected atomic.Int64
}

func (o *countingObserver) ConnOpened()     { o.opened.Add(1) }
func (o *countingObserver) ConnClosed()     { o.closed.Add(1) }
func (o *countingObserver) Rejected(string) { o.rejected.Add(1) }

func startServer(t *testing.T, opts ServerOptions, h Handler) (*Server, string) {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return srv, srv.Addr().String()
}

func TestExchangeRoundTrip(t *testing.T) {
	t.Setenv(CAPathEnv, "")
	obs := &countingObserver{}
	_, addr := startServer(t, ServerOptions{Observer: obs}, func(_ context.Context, _ net.Addr, body []byte) []byte {
		return append([]byte("echo:"), body...)
	})

	cli, err := NewClient(ClientOptions{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		resp, err := cli.Exchange(ctx, addr, []byte(`{"op":"status"}`))
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		if string(resp) != `echo:{"op":"status"}` {
			t.Fatalf("unexpected reply %q", resp)
		}
	}
	if got := obs.opened.Load(); got != 1 {
		t.Fatalf("expected pooled connection reuse, got %d connections", got)
	}
}

func TestExchangeDoesNotResendAfterWrite(t *testing.T) {
	t.Setenv(CAPathEnv, "")
	var calls atomic.Int64
	_, addr := startServer(t, ServerOptions{}, func(_ context.Context, _ net.Addr, _ []byte) []byte {
		calls.Add(1)
		return nil
	})

	cli, err := NewClient(ClientOptions{Retries: 3})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Exchange(ctx, addr, []byte(`{"op":"send"}`)); err == nil {
		t.Fatalf("expected an error when the reply is lost")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want exactly 1", got)
	}
}

func TestListenReportsBindConflict(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", ServerOptions{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	if _, err := Listen(srv.Addr().String(), ServerOptions{}); err == nil {
		t.Fatalf("expected second bind on %s to fail", srv.Addr())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", ServerOptions{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	if d := backoffDelay(1); d != clientBackoffBase {
		t.Fatalf("first delay %s", d)
	}
	if d := backoffDelay(2); d != 2*clientBackoffBase {
		t.Fatalf("second delay %s", d)
	}
	if d := backoffDelay(64); d != clientBackoffMax {
		t.Fatalf("expected cap, got %s", d)
	}
}

func TestRemoteIP(t *testing.T) {
	if got := remoteIP(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9}); got != "10.0.0.1" {
		t.Fatalf("udp addr: %q", got)
	}
	if got := remoteIP(nil); got != "" {
		t.Fatalf("nil addr: %q", got)
	}
}
