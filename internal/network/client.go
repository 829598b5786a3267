package network

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"phantomid/internal/proto"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

type ClientOptions struct {
	// Insecure skips server verification.
	Insecure bool
	// CAPath points at a PEM bundle; empty trusts the development certificate.
	CAPath string
	// Retries bounds reconnect attempts after a transport failure.
	Retries int
}

// Client exchanges framed requests with one or more daemons, reusing QUIC
// connections between calls.
type Client struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
	pool     *clientPool
	retries  int
}

func NewClient(opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = clientMaxRetries
	}
	return &Client{
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		pool:    newClientPool(clientConnIdle),
		retries: retries,
	}, nil
}

// Exchange writes body as one frame on a fresh stream and returns the reply
// frame. Failures before the request is written (dial, stream open) are
// retried with backoff. Once the frame is on the wire the daemon may already
// have acted on it, so later failures are returned as is.
func (c *Client) Exchange(ctx context.Context, addr string, body []byte) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		resp, sent, err := c.exchangeOnce(ctx, addr, body)
		if err == nil {
			c.pool.resetFailures(addr)
			return resp, nil
		}
		lastErr = err
		failures := c.pool.recordFailure(addr)
		if sent {
			break
		}
		if !backoffRetry(ctx, failures) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("exchange failed")
	}
	return nil, lastErr
}

// exchangeOnce reports sent=true when any part of the request may have
// reached the daemon.
func (c *Client) exchangeOnce(ctx context.Context, addr string, body []byte) (resp []byte, sent bool, err error) {
	conn, err := c.pool.get(ctx, addr, c.tlsConf, c.quicConf)
	if err != nil {
		return nil, false, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return nil, false, err
	}
	_ = stream.SetDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, body); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		c.pool.drop(addr, conn, "write failed")
		return nil, true, err
	}
	// Close only shuts our send side; the reply can still be read.
	_ = stream.Close()
	resp, err = proto.ReadFrame(stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("server closed stream without reply")
		}
		c.pool.drop(addr, conn, "read failed")
		return nil, true, err
	}
	c.pool.touch(addr, conn)
	return resp, true, nil
}

// Close drops every pooled connection.
func (c *Client) Close() {
	c.pool.closeAll()
}

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]int
	idleAfter time.Duration
}

func newClientPool(idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]int),
		idleAfter: idleAfter,
	}
}

func (p *clientPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn.Context().Err() == nil {
		// Lost a dial race; keep the pooled one.
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return ent.conn, nil
	}
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) touch(addr string, conn *quic.Conn) {
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		ent.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "client closed")
	}
}

func (p *clientPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[addr]++
	return p.failures[addr]
}

func (p *clientPool) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}

func backoffDelay(failures int) time.Duration {
	if failures > 8 {
		return clientBackoffMax
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	return d
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	t := time.NewTimer(backoffDelay(failures))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
