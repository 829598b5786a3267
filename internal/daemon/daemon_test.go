package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phantomid/internal/clock"
	"phantomid/internal/config"
	"phantomid/internal/crypto"
	"phantomid/internal/mailbox"
	"phantomid/internal/router"
	"phantomid/internal/testutil"
	"phantomid/internal/tree"
)

var epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.TTL = time.Hour
	cfg.SweepInterval = time.Minute
	return cfg
}

func newDaemon(t *testing.T, mutate func(*Options)) (*Daemon, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	opts := Options{Config: testConfig(), Clock: clk, Seeds: &testutil.CounterSeeds{}}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(d.Cleanup)
	return d, clk
}

func TestInitTwiceFails(t *testing.T) {
	d, _ := newDaemon(t, nil)
	require.NoError(t, d.Init(0))
	require.NotEmpty(t, d.Addr())
	require.ErrorIs(t, d.Init(0), ErrAlreadyInitialized)
}

func TestInitBindConflict(t *testing.T) {
	first, _ := newDaemon(t, nil)
	require.NoError(t, first.Init(0))
	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second, _ := newDaemon(t, nil)
	err = second.Init(port)
	require.ErrorIs(t, err, ErrBind)
	require.Equal(t, "bind_error", codeFor(err))

	require.NoError(t, second.Init(0), "a failed bind leaves the daemon uninitialized")
}

func TestInitRejectsBadPort(t *testing.T) {
	d, _ := newDaemon(t, nil)
	require.ErrorIs(t, d.Init(70000), ErrBind)
}

func TestCleanupIsIdempotentAndFinal(t *testing.T) {
	d, _ := newDaemon(t, nil)
	require.NoError(t, d.Init(0))
	root, err := d.CreateAccount("")
	require.NoError(t, err)

	d.Cleanup()
	d.Cleanup()

	select {
	case <-d.Done():
	default:
		t.Fatalf("listener still running after Cleanup")
	}
	require.NoError(t, d.ServeErr())
	require.Zero(t, d.Status().Accounts)
	_, err = d.CreateAccount("")
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, d.DeleteAccount(root.ID))
	require.ErrorIs(t, d.Init(0), ErrClosed)
}

func TestCleanupWithoutInit(t *testing.T) {
	d, _ := newDaemon(t, nil)
	_, err := d.CreateAccount("")
	require.NoError(t, err)
	d.Cleanup()
	require.Nil(t, d.Done())
	require.Zero(t, d.Status().Accounts)
}

func TestCreateSendDeleteScenario(t *testing.T) {
	d, _ := newDaemon(t, nil)
	ctx := context.Background()

	a, err := d.CreateAccount("")
	require.NoError(t, err)
	b, err := d.CreateAccount(a.ID)
	require.NoError(t, err)
	c, err := d.CreateAccount("")
	require.NoError(t, err)

	_, err = d.SendMessage(ctx, b.ID, c.ID, []byte("hello"))
	require.NoError(t, err)
	msgs, err := d.FetchMessages(c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, b.ID, msgs[0].From)
	require.Equal(t, []byte("hello"), msgs[0].Payload)

	require.True(t, d.DeleteAccount(a.ID))
	_, err = d.SendMessage(ctx, c.ID, b.ID, []byte("gone?"))
	require.ErrorIs(t, err, router.ErrUnknownRecipient)
	_, err = d.SendMessage(ctx, b.ID, c.ID, []byte("gone?"))
	require.ErrorIs(t, err, router.ErrUnknownSender)
	require.False(t, d.DeleteAccount(a.ID))

	_, err = d.CreateAccount(a.ID)
	require.ErrorIs(t, err, tree.ErrUnknownParent)
}

func TestDeleteDropsInbox(t *testing.T) {
	d, _ := newDaemon(t, nil)
	a, _ := d.CreateAccount("")
	b, _ := d.CreateAccount("")
	_, err := d.SendMessage(context.Background(), a.ID, b.ID, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 1, d.Status().Queued)
	require.True(t, d.DeleteAccount(b.ID))
	require.Zero(t, d.Status().Queued)
	_, err = d.FetchMessages(b.ID, 0)
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestExpiryScenario(t *testing.T) {
	d, clk := newDaemon(t, nil)
	root, _ := d.CreateAccount("")
	child, _ := d.CreateAccount(root.ID)

	clk.Advance(59 * time.Minute)
	require.Zero(t, d.Sweep())
	renewed, err := d.RenewAccount(root.ID, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, root.ExpiresAt.Add(30*time.Minute), renewed.ExpiresAt)

	clk.Advance(2 * time.Minute)
	_, err = d.SendMessage(context.Background(), root.ID, child.ID, []byte("late"))
	require.ErrorIs(t, err, router.ErrUnknownRecipient, "expired accounts are invisible before the sweep")

	require.Equal(t, 1, d.Sweep())
	st := d.Status()
	require.Equal(t, 1, st.Accounts)
	require.EqualValues(t, 1, st.Evicted)
	require.EqualValues(t, 1, d.Metrics().Snapshot().AccountsExpired)

	clk.Advance(time.Hour)
	require.Equal(t, 1, d.Sweep())
	require.Zero(t, d.Status().Accounts)
	_, err = d.RenewAccount(root.ID, time.Hour)
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestPeriodicSweepAfterInit(t *testing.T) {
	d, clk := newDaemon(t, nil)
	_, err := d.CreateAccount("")
	require.NoError(t, err)
	require.NoError(t, d.Init(0))

	require.Eventually(t, func() bool { return clk.Pending() > 0 }, time.Second, time.Millisecond)
	clk.Advance(2 * time.Hour)
	require.Eventually(t, func() bool { return d.Status().Accounts == 0 }, time.Second, time.Millisecond)
}

func TestLimitsFromConfig(t *testing.T) {
	d, _ := newDaemon(t, func(o *Options) {
		o.Config.MaxChildren = 1
		o.Config.MaxAccounts = 2
	})
	root, err := d.CreateAccount("")
	require.NoError(t, err)
	_, err = d.CreateAccount(root.ID)
	require.NoError(t, err)
	_, err = d.CreateAccount(root.ID)
	require.Error(t, err)
	_, err = d.CreateAccount("")
	require.ErrorIs(t, err, tree.ErrTreeFull)
}

func TestCustomSinkFailure(t *testing.T) {
	d, _ := newDaemon(t, func(o *Options) {
		o.Sink = router.SinkFunc(func(context.Context, router.Message) error {
			return errors.New("downstream unavailable")
		})
	})
	a, _ := d.CreateAccount("")
	b, _ := d.CreateAccount("")
	_, err := d.SendMessage(context.Background(), a.ID, b.ID, []byte("x"))
	require.ErrorIs(t, err, router.ErrDeliveryFailed)
	require.Equal(t, "delivery_failed", codeFor(err))
}

func TestJournalWithConfiguredKey(t *testing.T) {
	key, err := crypto.RandomKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	d, _ := newDaemon(t, func(o *Options) {
		o.Config.Journal = path
		o.Config.JournalKey = hex.EncodeToString(key)
	})
	a, _ := d.CreateAccount("")
	b, _ := d.CreateAccount("")
	sent, err := d.SendMessage(context.Background(), a.ID, b.ID, []byte("sealed"))
	require.NoError(t, err)

	var got []router.Message
	require.NoError(t, mailbox.ReadJournal(path, key, func(m router.Message) error {
		got = append(got, m)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, sent.ID, got[0].ID)
	require.Equal(t, []byte("sealed"), got[0].Payload)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 0
	_, err := New(Options{Config: cfg})
	require.Error(t, err)

	cfg = testConfig()
	cfg.Journal = filepath.Join(t.TempDir(), "j.jsonl")
	cfg.JournalKey = "zz"
	_, err = New(Options{Config: cfg})
	require.Error(t, err)
}
