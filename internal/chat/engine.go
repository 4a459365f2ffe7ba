package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghostchat-app/ghostchat/internal/store"
)

const (
	// maxReceiptTargets caps how many unread messages one snapshot marks
	// read. Tunable policy, not load-bearing correctness.
	maxReceiptTargets = 3

	// receiptDelay is the debounce window that coalesces consecutive
	// snapshot arrivals into one read-receipt write.
	receiptDelay = 400 * time.Millisecond

	// appendTimeout bounds one durable append attempt.
	appendTimeout = 15 * time.Second

	// receiptTimeout bounds one read-receipt batch write.
	receiptTimeout = 10 * time.Second
)

// EngineConfig holds the collaborators and callbacks for a sync engine.
type EngineConfig struct {
	Room    string
	Session Session
	Store   store.RoomStore
	Codec   Codec
	Monitor *Monitor
	Logger  *slog.Logger

	// OnViewChange fires after any mutation of the view. Called without
	// internal locks held.
	OnViewChange func()

	// OnSendFailure fires when an optimistic send fails, carrying the
	// typed text so the input can be restored.
	OnSendFailure func(text string)
}

// outstandingSend is the single in-flight optimistic send. A new send
// is accepted only once the prior one resolved or errored.
type outstandingSend struct {
	tempID string
	msg    Message
}

// Engine keeps the local message view consistent with the remote room
// log. The committed view is always a full replacement from the latest
// subscription snapshot, never an incremental patch, so repeated
// snapshots are naturally idempotent and a reconnect cannot duplicate
// or reorder messages. At most one optimistic placeholder rides on top
// of the committed view while a send is in flight.
type Engine struct {
	room    string
	session Session
	store   store.RoomStore
	codec   Codec
	monitor *Monitor
	logger  *slog.Logger

	onViewChange  func()
	onSendFailure func(text string)

	receipts *Debouncer

	// ctx is the engine lifetime; cancelled on Close so in-flight
	// commits and receipt writes resolve instead of dangling.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	committed []Message
	pending   *outstandingSend
	tempSeq   int64
	cancelSub func()
	closed    bool
}

// NewEngine assembles an engine for one room. Call Open to start the
// subscription.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		room:          cfg.Room,
		session:       cfg.Session,
		store:         cfg.Store,
		codec:         cfg.Codec,
		monitor:       cfg.Monitor,
		logger:        logger,
		onViewChange:  cfg.OnViewChange,
		onSendFailure: cfg.OnSendFailure,
		ctx:           ctx,
		cancel:        cancel,
	}

	e.receipts = NewDebouncer(receiptDelay, e.flushReceipts)

	return e
}

// Open establishes the store subscription. The first snapshot replaces
// the (empty) committed view.
func (e *Engine) Open(ctx context.Context) error {
	cancelSub, err := e.store.Subscribe(ctx, e.applySnapshot, e.handleSubError)
	if err != nil {
		return fmt.Errorf("subscribing to room %s: %w", e.room, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancelSub()

		return fmt.Errorf("engine closed")
	}

	e.cancelSub = cancelSub
	e.mu.Unlock()

	e.logger.Info("room subscription open", slog.String("room", e.room))

	return nil
}

// Send applies an optimistic placeholder and commits the message
// asynchronously. Rejected silently, with no error and no placeholder,
// when the text is blank, a send is already in flight, or the
// connection is degraded.
func (e *Engine) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if e.monitor != nil && e.monitor.Degraded() {
		return
	}

	now := time.Now()

	e.mu.Lock()

	if e.closed || e.pending != nil {
		e.mu.Unlock()
		return
	}

	e.tempSeq++
	tempID := fmt.Sprintf("temp_%d", e.tempSeq)

	e.pending = &outstandingSend{
		tempID: tempID,
		msg: Message{
			ID:        tempID,
			Text:      text,
			SenderID:  e.session.ID,
			CreatedAt: now,
			ReadBy:    map[string]int64{e.session.ID: now.UnixMilli()},
			Sending:   true,
		},
	}
	e.mu.Unlock()

	e.notifyView()

	go e.commit(tempID, text)
}

// commit encrypts and durably appends one message, then resolves the
// optimistic placeholder. On success the placeholder is simply removed:
// the subscription snapshot is the sole source of truth for committed
// messages, so no manual merge happens and duplicates cannot arise. A
// resolution arriving after Close, or after the placeholder was already
// cleared, is dropped without touching state.
func (e *Engine) commit(tempID, text string) {
	ciphertext, encrypted := e.codec.Encrypt(text)

	rec := store.Record{
		Text:      ciphertext,
		SenderID:  e.session.ID,
		ReadBy:    map[string]int64{e.session.ID: 0}, // 0 = stamp with server time
		Encrypted: encrypted,
	}

	ctx, cancel := context.WithTimeout(e.ctx, appendTimeout)
	defer cancel()

	_, err := e.store.Append(ctx, rec)

	e.mu.Lock()

	if e.closed || e.pending == nil || e.pending.tempID != tempID {
		e.mu.Unlock()
		return
	}

	e.pending = nil
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("send failed",
			slog.String("room", e.room),
			slog.String("error", err.Error()),
		)

		if store.IsTransient(err) && e.monitor != nil {
			e.monitor.Degrade()
		}

		if e.onSendFailure != nil {
			e.onSendFailure(text)
		}
	}

	e.notifyView()
}

// applySnapshot replaces the committed view with the store's latest
// window. Arrival of any snapshot proves the transport works, so the
// monitor is marked healthy before anything else.
func (e *Engine) applySnapshot(records []store.Record) {
	if e.monitor != nil {
		e.monitor.MarkHealthy()
	}

	msgs := make([]Message, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, e.fromRecord(rec))
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return
	}

	e.committed = msgs
	e.mu.Unlock()

	e.scheduleReceipts(msgs)
	e.notifyView()
}

// scheduleReceipts queues read receipts for at most the
// maxReceiptTargets newest messages that are neither authored by this
// session nor already marked read by it. The debouncer coalesces
// consecutive arrivals into one write.
func (e *Engine) scheduleReceipts(msgs []Message) {
	var ids []string

	// msgs is ascending, so walk backwards for the newest unread first.
	for i := len(msgs) - 1; i >= 0 && len(ids) < maxReceiptTargets; i-- {
		m := msgs[i]
		if m.SenderID == e.session.ID {
			continue
		}

		if _, read := m.ReadBy[e.session.ID]; read {
			continue
		}

		ids = append(ids, m.ID)
	}

	e.receipts.Add(ids...)
}

// flushReceipts writes one coalesced read-receipt batch. Dropped
// entirely while degraded (fail fast locally, never queue); not-found
// targets are logged and swallowed, a connectivity failure degrades the
// connection.
func (e *Engine) flushReceipts(ids []string) {
	if e.isClosed() {
		return
	}

	if e.monitor != nil && e.monitor.Degraded() {
		return
	}

	now := time.Now().UnixMilli()

	for start := 0; start < len(ids); start += store.MaxBatchUpdate {
		end := start + store.MaxBatchUpdate
		if end > len(ids) {
			end = len(ids)
		}

		updates := make([]store.FieldUpdate, 0, end-start)
		for _, id := range ids[start:end] {
			updates = append(updates, store.FieldUpdate{
				ID:    id,
				Field: "readBy." + e.session.ID,
				Value: now,
			})
		}

		ctx, cancel := context.WithTimeout(e.ctx, receiptTimeout)
		err := e.store.BatchUpdate(ctx, updates)

		cancel()

		if err == nil {
			continue
		}

		if store.IsTransient(err) {
			if e.monitor != nil {
				e.monitor.Degrade()
			}

			return
		}

		e.logger.Debug("read receipt write failed",
			slog.String("room", e.room),
			slog.String("error", err.Error()),
		)
	}
}

// handleSubError routes a subscription-level failure into the degraded
// path. Inbound delivery resumes through the monitor's recovery cycle.
func (e *Engine) handleSubError(err error) {
	if e.isClosed() {
		return
	}

	e.logger.Warn("subscription error",
		slog.String("room", e.room),
		slog.String("error", err.Error()),
	)

	if e.monitor != nil {
		e.monitor.Degrade()
	}
}

// fromRecord converts a committed record to a view message, decrypting
// the body at ingress. Decryption cannot fail the view: the codec
// substitutes the sentinel for anything it cannot open.
func (e *Engine) fromRecord(rec store.Record) Message {
	text := rec.Text
	if rec.Encrypted {
		text = e.codec.Decrypt(rec.Text)
	}

	return Message{
		ID:        rec.ID,
		Text:      text,
		SenderID:  rec.SenderID,
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		ReadBy:    rec.ReadBy,
		Encrypted: rec.Encrypted,
	}
}

// View returns the ordered message view: the committed window plus the
// optimistic placeholder, if any, at the end.
func (e *Engine) View() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Message, 0, len(e.committed)+1)
	out = append(out, e.committed...)

	if e.pending != nil {
		out = append(out, e.pending.msg)
	}

	return out
}

// Self returns the engine's session id, for rendering self-ness.
func (e *Engine) Self() string {
	return e.session.ID
}

// Close cancels the subscription, drops any pending receipt batch, and
// clears the local view synchronously. Safe to call multiple times;
// in-flight calls that resolve afterwards are ignored.
func (e *Engine) Close() {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	cancelSub := e.cancelSub
	e.cancelSub = nil
	e.committed = nil
	e.pending = nil
	e.mu.Unlock()

	e.cancel()
	e.receipts.Stop()

	if cancelSub != nil {
		cancelSub()
	}

	e.logger.Info("room subscription closed", slog.String("room", e.room))
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *Engine) notifyView() {
	if e.onViewChange != nil {
		e.onViewChange()
	}
}
