package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// responseTimeout bounds how long a request waits for the relay's
	// reply before being treated as a transient connectivity failure.
	responseTimeout = 10 * time.Second

	// handshakeReadLimit caps frame size; snapshots of SnapshotWindow
	// encrypted messages fit comfortably within it.
	handshakeReadLimit = 1024 * 1024
)

// wsConn abstracts the websocket connection so Remote can be tested
// without a real relay. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc establishes a websocket connection to the relay.
type DialFunc func(ctx context.Context) (wsConn, error)

// RemoteConfig holds the parameters for a relay-backed room store.
type RemoteConfig struct {
	// Host is the relay address, host[:port].
	Host string

	// Insecure dials ws:// instead of wss://.
	Insecure bool

	// Room is the room id this handle is bound to.
	Room string

	// Session is the ephemeral client session id sent in the hello.
	Session string

	Logger *slog.Logger

	// Dial overrides the websocket dialer. Nil uses the real dialer;
	// tests inject a mock connection here.
	Dial DialFunc
}

// Remote is a RoomStore and Directory backed by the relay's websocket
// protocol.
//
// Architecture: a reader goroutine feeds responses and snapshot pushes
// off the connection. Requests are serialized; the single in-flight
// request waits on a response channel the reader fills. Snapshots are
// dispatched to the subscriber callback from the reader goroutine, so
// they are applied in arrival order.
type Remote struct {
	host     string
	insecure bool
	room     string
	session  string
	logger   *slog.Logger
	dial     DialFunc

	// reqMu serializes request/response exchanges on the connection.
	reqMu sync.Mutex

	mu           sync.Mutex
	conn         wsConn
	respCh       chan ServerMessage
	readerCancel context.CancelFunc
	onSnapshot   func([]Record)
	onError      func(error)
	subscribed   bool
	offline      bool
	closed       bool
}

// NewRemote creates a relay-backed store handle for one room. No
// connection is made until Subscribe or ForceOnline.
func NewRemote(cfg RemoteConfig) *Remote {
	r := &Remote{
		host:     cfg.Host,
		insecure: cfg.Insecure,
		room:     cfg.Room,
		session:  cfg.Session,
		logger:   cfg.Logger,
		dial:     cfg.Dial,
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}

	if r.dial == nil {
		r.dial = r.dialRelay
	}

	return r
}

func (r *Remote) dialRelay(ctx context.Context) (wsConn, error) {
	scheme := "wss"
	if r.insecure {
		scheme = "ws"
	}

	url := scheme + "://" + r.host + "/ws"
	r.logger.Debug("dialing relay", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}

	conn.SetReadLimit(handshakeReadLimit)

	return conn, nil
}

// connect dials the relay, performs the hello exchange, and starts the
// reader goroutine. Caller must hold r.mu. The hello reply is read
// directly since the reader is not running yet.
func (r *Remote) connectLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	conn, err := r.dial(ctx)
	if err != nil {
		return &TransientError{Err: err}
	}

	hello := ClientMessage{Op: OpHello, Room: r.room, Session: r.session}

	data, err := json.Marshal(hello)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("marshalling hello: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return &TransientError{Err: fmt.Errorf("sending hello: %w", err)}
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello read failed")
		return &TransientError{Err: fmt.Errorf("reading hello reply: %w", err)}
	}

	var sm ServerMessage
	if err := json.Unmarshal(reply, &sm); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad hello reply")
		return fmt.Errorf("decoding hello reply: %w", err)
	}

	if sm.Res != ResOK {
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return fmt.Errorf("relay rejected hello: %s", sm.Msg)
	}

	respCh := make(chan ServerMessage, 1)
	readerCtx, cancel := context.WithCancel(context.Background())

	r.conn = conn
	r.respCh = respCh
	r.readerCancel = cancel

	go r.reader(readerCtx, conn, respCh)

	return nil
}

// reader routes inbound frames: snapshot pushes go to the subscriber
// callback, pongs are dropped, everything else is the reply to the
// in-flight request. The conn and channel are captured by value so a
// stale reader from a previous connection cannot feed the new one.
func (r *Remote) reader(ctx context.Context, conn wsConn, respCh chan ServerMessage) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.handleReadError(conn, err)
			return
		}

		switch gjson.GetBytes(data, "op").Str {
		case OpPong:
			continue

		case OpSnapshot:
			r.dispatchSnapshot(data)

		default:
			var sm ServerMessage
			if err := json.Unmarshal(data, &sm); err != nil {
				r.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
				continue
			}

			select {
			case respCh <- sm:
			default:
				r.logger.Debug("dropping unmatched response", slog.String("res", sm.Res))
			}
		}
	}
}

// handleReadError marks the connection dead and surfaces the failure to
// the subscriber unless the drop was deliberate (offline or closed).
func (r *Remote) handleReadError(conn wsConn, err error) {
	r.mu.Lock()

	if r.closed || r.offline || r.conn != conn {
		r.mu.Unlock()
		return
	}

	r.conn = nil
	r.respCh = nil
	onError := r.onError
	r.mu.Unlock()

	r.logger.Warn("relay connection lost", slog.String("error", err.Error()))

	if onError != nil {
		onError(&TransientError{Err: err})
	}
}

// dispatchSnapshot normalizes the pushed records and hands the snapshot
// to the subscriber callback. Malformed records are dropped with a log
// line rather than propagated into the view.
func (r *Remote) dispatchSnapshot(data []byte) {
	r.mu.Lock()
	onSnapshot := r.onSnapshot
	r.mu.Unlock()

	if onSnapshot == nil {
		return
	}

	var sm ServerMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		r.logger.Warn("failed to decode snapshot", slog.String("error", err.Error()))
		return
	}

	records := make([]Record, 0, len(sm.Records))

	for _, raw := range sm.Records {
		rec, err := NormalizeRecord(raw)
		if err != nil {
			r.logger.Warn("dropping malformed record", slog.String("error", err.Error()))
			continue
		}

		records = append(records, rec)
	}

	onSnapshot(records)
}

// request performs one request/response exchange. Any connectivity-class
// failure (no connection, write error, timeout) comes back wrapped in
// TransientError; a res:"err" reply is a plain, permanent error.
func (r *Remote) request(ctx context.Context, msg ClientMessage) (ServerMessage, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	respCh := r.respCh
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return ServerMessage{}, fmt.Errorf("store closed")
	}

	if conn == nil {
		return ServerMessage{}, &TransientError{Err: fmt.Errorf("not connected")}
	}

	// Drop a stale reply left over from a timed-out exchange.
	select {
	case <-respCh:
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("marshalling %s: %w", msg.Op, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return ServerMessage{}, &TransientError{Err: fmt.Errorf("sending %s: %w", msg.Op, err)}
	}

	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	select {
	case sm := <-respCh:
		if sm.Res == ResErr {
			return ServerMessage{}, fmt.Errorf("%s rejected: %s", msg.Op, sm.Msg)
		}

		return sm, nil

	case <-timeout.C:
		return ServerMessage{}, &TransientError{Err: fmt.Errorf("timed out waiting for %s reply", msg.Op)}

	case <-ctx.Done():
		return ServerMessage{}, ctx.Err()
	}
}

// Append durably commits a record; the relay assigns the id and
// timestamp.
func (r *Remote) Append(ctx context.Context, rec Record) (string, error) {
	sm, err := r.request(ctx, ClientMessage{Op: OpAppend, Record: &rec})
	if err != nil {
		return "", err
	}

	return sm.ID, nil
}

// Subscribe connects if needed and registers for snapshot pushes. The
// returned cancel detaches the callbacks and tells the relay to stop
// pushing; it leaves the connection up so post-unsubscribe calls (the
// panic purge's fetch and delete) still work.
func (r *Remote) Subscribe(ctx context.Context, onSnapshot func([]Record), onError func(error)) (func(), error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("store closed")
	}

	if err := r.connectLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	r.onSnapshot = onSnapshot
	r.onError = onError
	r.subscribed = true
	r.mu.Unlock()

	if _, err := r.request(ctx, ClientMessage{Op: OpSubscribe}); err != nil {
		r.mu.Lock()
		r.onSnapshot = nil
		r.onError = nil
		r.subscribed = false
		r.mu.Unlock()

		return nil, err
	}

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			r.onSnapshot = nil
			r.onError = nil
			r.subscribed = false
			connected := r.conn != nil
			r.mu.Unlock()

			if !connected {
				return
			}

			unsubCtx, unsubCancel := context.WithTimeout(context.Background(), responseTimeout)
			defer unsubCancel()

			if _, err := r.request(unsubCtx, ClientMessage{Op: OpUnsubscribe}); err != nil {
				r.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
			}
		})
	}

	return cancel, nil
}

// BatchUpdate applies up to MaxBatchUpdate field updates in one call.
func (r *Remote) BatchUpdate(ctx context.Context, updates []FieldUpdate) error {
	if len(updates) > MaxBatchUpdate {
		return fmt.Errorf("batch of %d exceeds limit %d", len(updates), MaxBatchUpdate)
	}

	_, err := r.request(ctx, ClientMessage{Op: OpUpdate, Updates: updates})

	return err
}

// FetchUpTo retrieves up to n records, oldest first.
func (r *Remote) FetchUpTo(ctx context.Context, n int) ([]Record, error) {
	sm, err := r.request(ctx, ClientMessage{Op: OpFetch, Limit: n})
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(sm.Records))

	for _, raw := range sm.Records {
		rec, err := NormalizeRecord(raw)
		if err != nil {
			r.logger.Warn("dropping malformed record", slog.String("error", err.Error()))
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// BatchDelete removes the given records from the room log.
func (r *Remote) BatchDelete(ctx context.Context, ids []string) error {
	_, err := r.request(ctx, ClientMessage{Op: OpDelete, IDs: ids})
	return err
}

// Exists reports whether a room id is registered with the relay.
func (r *Remote) Exists(ctx context.Context, roomID string) (bool, error) {
	sm, err := r.request(ctx, ClientMessage{Op: OpExists, Room: roomID})
	if err != nil {
		return false, err
	}

	return sm.Exists, nil
}

// Create registers a room id with the relay.
func (r *Remote) Create(ctx context.Context, roomID string) error {
	_, err := r.request(ctx, ClientMessage{Op: OpCreate, Room: roomID})
	return err
}

// ForceOffline drops the connection deliberately. Writes fail fast with
// a TransientError until ForceOnline succeeds.
func (r *Remote) ForceOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offline = true

	if r.readerCancel != nil {
		r.readerCancel()
		r.readerCancel = nil
	}

	if r.conn != nil {
		r.conn.Close(websocket.StatusGoingAway, "offline")
		r.conn = nil
		r.respCh = nil
	}
}

// ForceOnline redials the relay and, if a subscriber is attached,
// re-issues the subscription so the next snapshot can restore healthy
// state. Recovery success is not declared here; only a delivered
// snapshot does that.
func (r *Remote) ForceOnline(ctx context.Context) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("store closed")
	}

	r.offline = false

	if err := r.connectLocked(ctx); err != nil {
		r.mu.Unlock()
		return err
	}

	subscribed := r.subscribed
	r.mu.Unlock()

	if subscribed {
		if _, err := r.request(ctx, ClientMessage{Op: OpSubscribe}); err != nil {
			return err
		}
	}

	return nil
}

// Close tears down the connection for good. Safe to call multiple times.
func (r *Remote) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	r.onSnapshot = nil
	r.onError = nil

	if r.readerCancel != nil {
		r.readerCancel()
		r.readerCancel = nil
	}

	if r.conn != nil {
		r.conn.Close(websocket.StatusNormalClosure, "bye")
		r.conn = nil
		r.respCh = nil
	}
}
