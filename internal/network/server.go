// Package network carries framed requests over QUIC: one request and one
// response per bidirectional stream.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"pkt.systems/pslog"

	"phantomid/internal/logging"
	"phantomid/internal/proto"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	codeConnLimit  quic.ApplicationErrorCode = 0x10
	codeStreamCap  quic.StreamErrorCode      = 0x11
	codeServerStop quic.ApplicationErrorCode = 0x00
)

// Handler answers one request body. The returned body is framed and written
// back on the same stream; nil writes nothing.
type Handler func(ctx context.Context, remote net.Addr, body []byte) []byte

// Observer receives transport events. Any method may be called concurrently.
type Observer interface {
	ConnOpened()
	ConnClosed()
	Rejected(reason string)
}

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Observer        Observer
	Logger          pslog.Logger
}

type Server struct {
	ln       *quic.Listener
	limiter  *ipLimiter
	observer Observer
	logger   pslog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Listen binds addr synchronously so the caller learns about bind failures
// before serving.
func Listen(addr string, opts ServerOptions) (*Server, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:       ln,
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		observer: opts.Observer,
		logger:   logging.WithSubsystem(opts.Logger, "network"),
	}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx ends or Close is called. It returns
// nil on orderly shutdown.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	s.logger.Info("network.listen.ready", "addr", s.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			s.wg.Wait()
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.logger.Warn("network.accept.failed", "error", err)
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !s.limiter.acquireConn(ip) {
			s.reject("conn_limit")
			s.logger.Debug("network.conn.rejected", "remote", ip)
			_ = conn.CloseWithError(codeConnLimit, "too many connections")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.releaseConn(ip)
			s.serveConn(ctx, conn, ip, h)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string, h Handler) {
	if s.observer != nil {
		s.observer.ConnOpened()
		defer s.observer.ConnClosed()
	}
	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.acquireStream(ip) {
			s.reject("stream_limit")
			stream.CancelRead(codeStreamCap)
			stream.CancelWrite(codeStreamCap)
			continue
		}
		streams.Add(1)
		go func(st *quic.Stream) {
			defer streams.Done()
			defer s.limiter.releaseStream(ip)
			defer st.Close()
			s.serveStream(ctx, conn.RemoteAddr(), st, h)
		}(stream)
	}
}

func (s *Server) serveStream(ctx context.Context, remote net.Addr, st *quic.Stream, h Handler) {
	_ = st.SetDeadline(time.Now().Add(streamRWTimeout))
	body, err := proto.ReadFrameWithOpCap(st, proto.SoftMaxFrameSize, proto.MaxSizeForOp)
	if err != nil {
		s.reject("bad_frame")
		s.logger.Debug("network.read.failed", "remote", remote.String(), "error", err)
		return
	}
	resp := h(ctx, remote, body)
	if len(resp) == 0 {
		return
	}
	if err := proto.WriteFrame(st, resp); err != nil {
		s.logger.Debug("network.write.failed", "remote", remote.String(), "error", err)
	}
}

func (s *Server) reject(reason string) {
	if s.observer != nil {
		s.observer.Rejected(reason)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and tears down the listener. Safe to call twice.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.ln.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
