// Package daemon owns one account tree together with its expiry sweep,
// message router, mailbox and network listener.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"phantomid/internal/clock"
	"phantomid/internal/config"
	"phantomid/internal/crypto"
	"phantomid/internal/expiry"
	"phantomid/internal/identity"
	"phantomid/internal/logging"
	"phantomid/internal/mailbox"
	"phantomid/internal/metrics"
	"phantomid/internal/network"
	"phantomid/internal/router"
	"phantomid/internal/tree"
)

var (
	ErrAlreadyInitialized = errors.New("daemon already initialized")
	ErrBind               = errors.New("bind failed")
	ErrClosed             = errors.New("daemon closed")
	ErrUnknownAccount     = errors.New("unknown account")
)

type Options struct {
	Config config.Config
	Clock  clock.Clock
	Seeds  identity.SeedSource
	Codec  identity.Codec
	// Sink replaces the mailbox as delivery target. FetchMessages then
	// always returns nothing.
	Sink    router.Sink
	Metrics *metrics.Metrics
	Logger  pslog.Logger
}

type Status struct {
	Accounts      int
	Depth         int
	Roots         int
	Queued        int
	Sweeps        uint64
	Evicted       uint64
	LastSweep     time.Time
	SweepInterval time.Duration
	TTL           time.Duration
	Listen        string
	StartedAt     time.Time
}

func (s Status) HasRoot() bool { return s.Roots > 0 }

type Daemon struct {
	cfg     config.Config
	clock   clock.Clock
	tree    *tree.Tree
	expiry  *expiry.Manager
	router  *router.Router
	mailbox *mailbox.Mailbox
	metrics *metrics.Metrics
	base    pslog.Logger
	logger  pslog.Logger

	// life guards the lifecycle state; operations hold it shared.
	life        sync.RWMutex
	initialized bool
	closed      bool

	srv       *network.Server
	cancel    context.CancelFunc
	serveDone chan struct{}
	stopSnap  chan struct{}
	snapDone  chan struct{}

	listenMu   sync.RWMutex
	listenAddr string
	serveErr   error
	startedAt  time.Time
}

// New assembles a daemon from cfg. Nothing is bound until Init.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := logging.Ensure(opts.Logger)
	logger := logging.WithSubsystem(base, "daemon")
	clk := clock.OrReal(opts.Clock)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	t := tree.New(tree.Options{
		TTL:         cfg.TTL,
		MaxChildren: cfg.MaxChildren,
		MaxAccounts: cfg.MaxAccounts,
		Seeds:       opts.Seeds,
		Codec:       opts.Codec,
		Clock:       clk,
		Logger:      base,
	})

	var key []byte
	if cfg.Journal != "" {
		var err error
		if cfg.JournalKey != "" {
			key, err = crypto.ParseKeyHex(cfg.JournalKey)
		} else {
			key, err = crypto.RandomKey()
			logger.Warn("daemon.journal.ephemeral_key", "journal", cfg.Journal)
		}
		if err != nil {
			return nil, fmt.Errorf("journal key: %w", err)
		}
	}
	mb, err := mailbox.New(mailbox.Options{
		Capacity:    cfg.InboxCap,
		JournalPath: cfg.Journal,
		JournalKey:  key,
		Live: func(id string) bool {
			_, ok := t.Lookup(id)
			return ok
		},
		Logger: base,
	})
	crypto.Wipe(key)
	if err != nil {
		return nil, err
	}

	t.OnRemove(mb.Drop)
	t.OnRemove(func(ids []string) { m.AccountsRemoved(len(ids)) })
	m.TrackAccounts(t.Len)

	var sink router.Sink = mb
	if opts.Sink != nil {
		sink = opts.Sink
	}
	d := &Daemon{
		cfg:     cfg,
		clock:   clk,
		tree:    t,
		mailbox: mb,
		metrics: m,
		base:    base,
		logger:  logger,
		expiry: expiry.New(t, expiry.Options{
			Interval: cfg.SweepInterval,
			Clock:    clk,
			Logger:   base,
			OnSweep:  m.AccountsExpired,
		}),
		router: router.New(t, sink, router.Options{
			ConfineToSubtree: cfg.ConfineSubtree,
			MaxPayload:       cfg.MaxPayload,
			Clock:            clk,
			Logger:           base,
		}),
	}
	return d, nil
}

// Init binds the configured host on port and starts serving and sweeping.
// Port 0 picks a free port; Addr reports it.
func (d *Daemon) Init(port int) error {
	return d.InitContext(context.Background(), port)
}

func (d *Daemon) InitContext(ctx context.Context, port int) error {
	d.life.Lock()
	defer d.life.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.initialized {
		return ErrAlreadyInitialized
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrBind, port)
	}
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(port))
	srv, err := network.Listen(addr, network.ServerOptions{
		MaxConnsPerIP:   d.cfg.MaxConnsPerIP,
		MaxStreamsPerIP: d.cfg.MaxStreamsPerIP,
		Observer:        d.metrics,
		Logger:          d.base,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	d.initialized = true
	d.srv = srv
	d.startedAt = d.clock.Now()
	d.setListenAddr(srv.Addr().String())

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.serveDone = make(chan struct{})
	go func() {
		defer close(d.serveDone)
		if err := srv.Serve(runCtx, d.handle); err != nil {
			d.listenMu.Lock()
			d.serveErr = err
			d.listenMu.Unlock()
			d.logger.Error("daemon.serve.failed", "error", err)
		}
	}()
	d.expiry.Start(runCtx)
	d.startSnapshotWriter(d.cfg.MetricsSnapshot, time.Second)
	d.logger.Info("daemon.started",
		"listen", d.Addr(),
		"ttl", d.cfg.TTL.String(),
		"sweep_interval", d.cfg.SweepInterval.String(),
		"confine_subtree", d.cfg.ConfineSubtree,
	)
	return nil
}

// Cleanup stops the listener and sweep and discards every account and
// queued message. It may be called any number of times.
func (d *Daemon) Cleanup() {
	d.life.Lock()
	if d.closed {
		d.life.Unlock()
		return
	}
	d.closed = true
	cancel, srv, done := d.cancel, d.srv, d.serveDone
	d.life.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		if err := srv.Close(); err != nil {
			d.logger.Warn("daemon.listener.close_failed", "error", err)
		}
	}
	if done != nil {
		<-done
	}
	d.expiry.Stop()
	d.stopSnapshotWriter()
	removed := d.tree.Len()
	d.tree.Reset()
	d.mailbox.Close()
	d.logger.Info("daemon.stopped", "discarded_accounts", removed)
}

// Done is closed when the listener stops. It is nil before Init.
func (d *Daemon) Done() <-chan struct{} {
	d.life.RLock()
	defer d.life.RUnlock()
	return d.serveDone
}

// ServeErr reports why serving stopped, if it stopped on an error.
func (d *Daemon) ServeErr() error {
	d.listenMu.RLock()
	defer d.listenMu.RUnlock()
	return d.serveErr
}

func (d *Daemon) Addr() string {
	d.listenMu.RLock()
	defer d.listenMu.RUnlock()
	return d.listenAddr
}

func (d *Daemon) setListenAddr(addr string) {
	d.listenMu.Lock()
	d.listenAddr = addr
	d.listenMu.Unlock()
}

func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// enter admits an operation unless the daemon is closed. The returned
// function must be called when the operation ends.
func (d *Daemon) enter() (func(), error) {
	d.life.RLock()
	if d.closed {
		d.life.RUnlock()
		return nil, ErrClosed
	}
	return d.life.RUnlock, nil
}

func (d *Daemon) CreateAccount(parentID string) (tree.Account, error) {
	leave, err := d.enter()
	if err != nil {
		return tree.Account{}, err
	}
	defer leave()
	acc, err := d.tree.Insert(parentID)
	if err != nil {
		return tree.Account{}, err
	}
	d.metrics.AccountCreated()
	d.logger.Debug("daemon.account.created", "id", acc.ID, "parent_id", parentID, "expires_at", acc.ExpiresAt)
	return acc, nil
}

// DeleteAccount removes id and its subtree, reporting whether it existed.
func (d *Daemon) DeleteAccount(id string) bool {
	leave, err := d.enter()
	if err != nil {
		return false
	}
	defer leave()
	n := d.tree.Remove(id)
	if n > 0 {
		d.logger.Debug("daemon.account.deleted", "id", id, "removed", n)
	}
	return n > 0
}

func (d *Daemon) SendMessage(ctx context.Context, from, to string, payload []byte) (router.Message, error) {
	leave, err := d.enter()
	if err != nil {
		return router.Message{}, err
	}
	defer leave()
	msg, err := d.router.Send(ctx, from, to, payload)
	if err != nil {
		return router.Message{}, err
	}
	d.metrics.MessageAccepted()
	return msg, nil
}

// FetchMessages drains up to max queued messages for a live account.
func (d *Daemon) FetchMessages(id string, max int) ([]router.Message, error) {
	leave, err := d.enter()
	if err != nil {
		return nil, err
	}
	defer leave()
	if _, ok := d.tree.Lookup(id); !ok {
		return nil, ErrUnknownAccount
	}
	return d.mailbox.Fetch(id, max), nil
}

// RenewAccount extends a live account's deadline. A non-positive extension
// grants one full TTL.
func (d *Daemon) RenewAccount(id string, extension time.Duration) (tree.Account, error) {
	leave, err := d.enter()
	if err != nil {
		return tree.Account{}, err
	}
	defer leave()
	if extension <= 0 {
		extension = d.tree.TTL()
	}
	if !d.expiry.Touch(id, extension) {
		return tree.Account{}, ErrUnknownAccount
	}
	acc, ok := d.tree.Lookup(id)
	if !ok {
		return tree.Account{}, ErrUnknownAccount
	}
	return acc, nil
}

func (d *Daemon) List(order tree.Order) ([]tree.Account, error) {
	leave, err := d.enter()
	if err != nil {
		return nil, err
	}
	defer leave()
	return d.tree.Snapshot(order), nil
}

// Sweep runs one expiry pass immediately.
func (d *Daemon) Sweep() int {
	leave, err := d.enter()
	if err != nil {
		return 0
	}
	defer leave()
	return d.expiry.Sweep()
}

func (d *Daemon) Status() Status {
	st := d.expiry.Stats()
	d.life.RLock()
	started := d.startedAt
	d.life.RUnlock()
	return Status{
		Accounts:      d.tree.Len(),
		Depth:         d.tree.Depth(),
		Roots:         len(d.tree.Roots()),
		Queued:        d.mailbox.Queued(),
		Sweeps:        st.Sweeps,
		Evicted:       st.Evicted,
		LastSweep:     st.LastSweep,
		SweepInterval: d.expiry.Interval(),
		TTL:           d.tree.TTL(),
		Listen:        d.Addr(),
		StartedAt:     started,
	}
}

func (d *Daemon) startSnapshotWriter(path string, interval time.Duration) {
	if path == "" {
		return
	}
	d.stopSnap = make(chan struct{})
	d.snapDone = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := d.metrics.WriteSnapshot(path); err != nil {
					d.logger.Debug("daemon.snapshot.failed", "error", err)
				}
			case <-stop:
				_ = d.metrics.WriteSnapshot(path)
				return
			}
		}
	}(d.stopSnap, d.snapDone)
}

func (d *Daemon) stopSnapshotWriter() {
	if d.stopSnap == nil {
		return
	}
	close(d.stopSnap)
	<-d.snapDone
	d.stopSnap = nil
}
