// Package mailbox is the default delivery sink: a bounded in-memory inbox per
// recipient, optionally mirrored to an encrypted JSONL journal.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"phantomid/internal/crypto"
	"phantomid/internal/logging"
	"phantomid/internal/router"
	"phantomid/internal/store"
)

const DefaultCapacity = 256

var (
	ErrInboxFull     = errors.New("inbox full")
	ErrRecipientGone = errors.New("recipient no longer exists")
)

type Options struct {
	// Capacity bounds each recipient's queue.
	Capacity int
	// JournalPath enables the journal when non-empty.
	JournalPath string
	// JournalKey is the 32-byte XChaCha20-Poly1305 key sealing journaled
	// payloads. Required when JournalPath is set.
	JournalKey []byte
	// Live reports whether an account may still receive. It is consulted
	// under the mailbox lock, so a recipient removed before Deliver takes
	// the lock never gets an inbox back. Nil accepts every recipient.
	Live   func(id string) bool
	Logger pslog.Logger
}

// Entry is one journal line. Payload is sealed; the message id is bound as
// associated data.
type Entry struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	SentAt  time.Time `json:"sent_at"`
	Nonce   []byte    `json:"nonce"`
	Payload []byte    `json:"payload"`
}

type Mailbox struct {
	mu       sync.Mutex
	inboxes  map[string][]router.Message
	capacity int
	live     func(string) bool

	journal string
	key     []byte
	logger  pslog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(opts Options) (*Mailbox, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Mailbox{
		inboxes:  make(map[string][]router.Message),
		capacity: capacity,
		live:     opts.Live,
		journal:  opts.JournalPath,
		logger:   logging.WithSubsystem(opts.Logger, "mailbox"),
	}
	if m.journal != "" {
		if len(opts.JournalKey) != crypto.XKeySize {
			return nil, fmt.Errorf("mailbox: journal key must be %d bytes", crypto.XKeySize)
		}
		m.key = append([]byte(nil), opts.JournalKey...)
	}
	return m, nil
}

// Deliver queues msg for its recipient.
func (m *Mailbox) Deliver(ctx context.Context, msg router.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.live != nil && !m.live(msg.To) {
		m.mu.Unlock()
		return ErrRecipientGone
	}
	if len(m.inboxes[msg.To]) >= m.capacity {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d queued", ErrInboxFull, m.capacity)
	}
	m.inboxes[msg.To] = append(m.inboxes[msg.To], msg)
	m.mu.Unlock()

	if m.journal != "" {
		if err := m.appendJournal(msg); err != nil {
			m.unqueue(msg.To, msg.ID)
			return fmt.Errorf("journal: %w", err)
		}
	}
	m.delivered.Add(1)
	return nil
}

func (m *Mailbox) appendJournal(msg router.Message) error {
	nonce, sealed, err := crypto.XSeal(m.key, msg.Payload, []byte(msg.ID))
	if err != nil {
		return err
	}
	return store.AppendJSONL(m.journal, Entry{
		ID:      msg.ID,
		From:    msg.From,
		To:      msg.To,
		SentAt:  msg.SentAt,
		Nonce:   nonce,
		Payload: sealed,
	})
}

func (m *Mailbox) unqueue(to, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.inboxes[to]
	for i := range q {
		if q[i].ID == id {
			m.inboxes[to] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(m.inboxes[to]) == 0 {
		delete(m.inboxes, to)
	}
}

// Fetch removes and returns up to max queued messages for id, oldest first.
// max <= 0 drains the inbox.
func (m *Mailbox) Fetch(id string, max int) []router.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.inboxes[id]
	if len(q) == 0 {
		return nil
	}
	if max <= 0 || max >= len(q) {
		delete(m.inboxes, id)
		return q
	}
	out := append([]router.Message(nil), q[:max]...)
	m.inboxes[id] = append([]router.Message(nil), q[max:]...)
	return out
}

func (m *Mailbox) Pending(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inboxes[id])
}

// Drop discards the inboxes of removed accounts. It matches the tree
// OnRemove hook signature.
func (m *Mailbox) Drop(ids []string) {
	m.mu.Lock()
	n := 0
	for _, id := range ids {
		n += len(m.inboxes[id])
		delete(m.inboxes, id)
	}
	m.mu.Unlock()
	if n > 0 {
		m.dropped.Add(uint64(n))
		m.logger.Debug("mailbox.dropped", "accounts", len(ids), "messages", n)
	}
}

// Reset discards every queued message.
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.inboxes = make(map[string][]router.Message)
	m.mu.Unlock()
}

// Close discards queued messages and wipes the journal key. The mailbox must
// not be used afterwards.
func (m *Mailbox) Close() {
	m.Reset()
	crypto.Wipe(m.key)
}

// Queued counts messages across all inboxes.
func (m *Mailbox) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.inboxes {
		n += len(q)
	}
	return n
}

func (m *Mailbox) Delivered() uint64 { return m.delivered.Load() }
func (m *Mailbox) Dropped() uint64   { return m.dropped.Load() }

// ReadJournal opens every entry of the journal at path with key and passes
// the recovered message to fn, oldest first.
func ReadJournal(path string, key []byte, fn func(router.Message) error) error {
	return store.ReadJSONL(path, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		payload, err := crypto.XOpen(key, e.Nonce, e.Payload, []byte(e.ID))
		if err != nil {
			return fmt.Errorf("open journal entry %s: %w", e.ID, err)
		}
		return fn(router.Message{ID: e.ID, From: e.From, To: e.To, Payload: payload, SentAt: e.SentAt})
	})
}
