// Package metrics counts daemon activity in a private Prometheus registry
// and exposes a JSON snapshot of the same counters.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phantomid"

type Snapshot struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	AccountsCreated  uint64            `json:"accounts_created"`
	AccountsRemoved  uint64            `json:"accounts_removed"`
	AccountsExpired  uint64            `json:"accounts_expired"`
	MessagesAccepted uint64            `json:"messages_accepted"`
	RequestsByOp     map[string]uint64 `json:"requests_by_op"`
	FailuresByCode   map[string]uint64 `json:"failures_by_code"`
	RejectsByReason  map[string]uint64 `json:"rejects_by_reason"`
	CurrentConns     int64             `json:"current_conns"`
}

type Metrics struct {
	registry *prometheus.Registry

	created  prometheus.Counter
	removed  prometheus.Counter
	expired  prometheus.Counter
	messages prometheus.Counter
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	rejects  *prometheus.CounterVec
	conns    prometheus.Gauge
	accounts prometheus.GaugeFunc

	createdN  atomic.Uint64
	removedN  atomic.Uint64
	expiredN  atomic.Uint64
	messagesN atomic.Uint64
	connsN    atomic.Int64

	mu        sync.Mutex
	byOp      map[string]uint64
	byCode    map[string]uint64
	byReason  map[string]uint64
	sizeFn    func() int
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accounts_created_total",
			Help: "Accounts inserted into the tree.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accounts_removed_total",
			Help: "Accounts removed by delete, cascade, expiry or reset.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accounts_expired_total",
			Help: "Accounts evicted by the expiry sweep.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_accepted_total",
			Help: "Messages handed to the delivery sink.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Requests dispatched, by operation.",
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_failures_total",
			Help: "Failed requests, by wire code.",
		}, []string{"code"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_rejects_total",
			Help: "Connections or streams refused by the transport.",
		}, []string{"reason"}),
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open client connections.",
		}),
		byOp:     make(map[string]uint64),
		byCode:   make(map[string]uint64),
		byReason: make(map[string]uint64),
	}
	m.accounts = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "accounts",
		Help: "Accounts currently stored.",
	}, func() float64 {
		m.mu.Lock()
		fn := m.sizeFn
		m.mu.Unlock()
		if fn == nil {
			return 0
		}
		return float64(fn())
	})
	m.registry.MustRegister(
		m.created, m.removed, m.expired, m.messages,
		m.requests, m.failures, m.rejects, m.conns, m.accounts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TrackAccounts sets the source for the accounts gauge.
func (m *Metrics) TrackAccounts(fn func() int) {
	m.mu.Lock()
	m.sizeFn = fn
	m.mu.Unlock()
}

func (m *Metrics) AccountCreated() {
	m.created.Inc()
	m.createdN.Add(1)
}

func (m *Metrics) AccountsRemoved(n int) {
	if n <= 0 {
		return
	}
	m.removed.Add(float64(n))
	m.removedN.Add(uint64(n))
}

func (m *Metrics) AccountsExpired(n int) {
	if n <= 0 {
		return
	}
	m.expired.Add(float64(n))
	m.expiredN.Add(uint64(n))
}

func (m *Metrics) MessageAccepted() {
	m.messages.Inc()
	m.messagesN.Add(1)
}

func (m *Metrics) Request(op string) {
	m.requests.WithLabelValues(op).Inc()
	m.mu.Lock()
	m.byOp[op]++
	m.mu.Unlock()
}

func (m *Metrics) Failure(code string) {
	m.failures.WithLabelValues(code).Inc()
	m.mu.Lock()
	m.byCode[code]++
	m.mu.Unlock()
}

// ConnOpened, ConnClosed and Rejected make Metrics a transport observer.
func (m *Metrics) ConnOpened() {
	m.conns.Inc()
	m.connsN.Add(1)
}

func (m *Metrics) ConnClosed() {
	m.conns.Dec()
	m.connsN.Add(-1)
}

func (m *Metrics) Rejected(reason string) {
	m.rejects.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.byReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byOp := copyCounts(m.byOp)
	byCode := copyCounts(m.byCode)
	byReason := copyCounts(m.byReason)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt:      time.Now().UTC(),
		AccountsCreated:  m.createdN.Load(),
		AccountsRemoved:  m.removedN.Load(),
		AccountsExpired:  m.expiredN.Load(),
		MessagesAccepted: m.messagesN.Load(),
		RequestsByOp:     byOp,
		FailuresByCode:   byCode,
		RejectsByReason:  byReason,
		CurrentConns:     m.connsN.Load(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Handler serves /metrics in the Prometheus text format and /snapshot as
// JSON.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	return mux
}

// Serve binds addr and serves Handler until ctx ends. The bound address is
// returned once listening.
func (m *Metrics) Serve(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return ln.Addr(), errCh, nil
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
