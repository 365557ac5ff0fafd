package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultRetryDelay           = time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultOutboxSize           = 256
	defaultWriteWait            = 10 * time.Second
	defaultPongWait             = 60 * time.Second
	defaultMaxMessageSize       = 64 * 1024
)

var (
	ErrNoIdentity = errors.New("no signed-in user")
	ErrClosed     = errors.New("connection manager closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Identity supplies the signed-in user.
type Identity interface {
	CurrentUserId() (string, bool)
}

// TokenSource issues the credential presented to the relay when dialing.
type TokenSource interface {
	Token(userId string) (string, error)
}

// Conn is the subset of *websocket.Conn the manager drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return conn, nil
}

type Options struct {
	URL                  string
	MaxReconnectAttempts int
	RetryDelay           time.Duration
	DialTimeout          time.Duration
	OutboxSize           int
	WriteWait            time.Duration
	PongWait             time.Duration
	MaxMessageSize       int64
}

func (o *Options) setDefaults() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = defaultOutboxSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
}

type frame struct {
	data      []byte
	transient bool
}

// link is one established connection and the pumps serving it.
type link struct {
	conn Conn
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newLink(conn Conn) *link {
	return &link{
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// ConnectionManager owns the single duplex channel between the signed-in
// user and the relay, reconnecting per its retry policy.
type ConnectionManager struct {
	log      *zap.SugaredLogger
	dialer   Dialer
	identity Identity
	tokens   TokenSource
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	attempts  int
	cycling   bool
	closed    bool
	link      *link
	outbox    []frame
	inbound   func([]byte)
	observers map[uint64]func(State)
	nextObsId uint64
	pending   []State
	notify    chan struct{}
	notified  chan struct{}
}

func NewConnectionManager(logger *zap.SugaredLogger, dialer Dialer, identity Identity, tokens TokenSource, opts Options) *ConnectionManager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionManager{
		log:       logger,
		dialer:    dialer,
		identity:  identity,
		tokens:    tokens,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		state:     Disconnected,
		observers: make(map[uint64]func(State)),
		notify:    make(chan struct{}, 1),
		notified:  make(chan struct{}),
	}

	go cm.notifyLoop()

	return cm
}

// HandleInbound sets the function that receives every inbound frame.
func (cm *ConnectionManager) HandleInbound(fn func([]byte)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.inbound = fn
}

// OnStateChange registers fn to be called, in order, with every state the
// manager enters.
func (cm *ConnectionManager) OnStateChange(fn func(State)) func() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	id := cm.nextObsId
	cm.nextObsId++
	cm.observers[id] = fn

	return func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()
		delete(cm.observers, id)
	}
}

func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnectionManager) Attempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// Connect starts a connect cycle. It is a no-op unless the manager is
// Disconnected. Dial failures are retried and surface only as state.
func (cm *ConnectionManager) Connect() error {
	userId, ok := cm.identity.CurrentUserId()
	if !ok {
		return ErrNoIdentity
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrClosed
	}

	cm.startCycleLocked(userId)
	return nil
}

// Reconnect is the explicit retry a consumer offers after the manager gave up.
func (cm *ConnectionManager) Reconnect() error {
	return cm.Connect()
}

// NetworkAvailable is the reachability signal. A Disconnected manager starts
// a fresh connect cycle.
func (cm *ConnectionManager) NetworkAvailable() {
	userId, ok := cm.identity.CurrentUserId()
	if !ok {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return
	}

	if cm.startCycleLocked(userId) {
		cm.log.Infof("network available, reconnecting to %s", cm.opts.URL)
	}
}

func (cm *ConnectionManager) startCycleLocked(userId string) bool {
	if cm.state != Disconnected || cm.cycling {
		return false
	}

	cm.attempts = 0
	cm.cycling = true
	cm.setStateLocked(Connecting)

	cm.wg.Add(1)
	go cm.dialLoop(userId)

	return true
}

func (cm *ConnectionManager) dialLoop(userId string) {
	defer cm.wg.Done()

	for {
		cm.mu.Lock()
		if cm.closed {
			cm.cycling = false
			cm.mu.Unlock()
			return
		}
		cm.attempts++
		attempt := cm.attempts
		cm.mu.Unlock()

		conn, err := cm.dial(userId)
		if err == nil {
			cm.established(conn)
			return
		}

		cm.log.Warnf("connect attempt %d/%d to %s failed: %v", attempt, cm.opts.MaxReconnectAttempts, cm.opts.URL, err)

		if attempt >= cm.opts.MaxReconnectAttempts {
			cm.mu.Lock()
			cm.cycling = false
			if !cm.closed {
				cm.setStateLocked(Disconnected)
			}
			cm.mu.Unlock()
			cm.log.Warnf("max reconnection attempts reached, staying offline")
			return
		}

		select {
		case <-time.After(cm.opts.RetryDelay):
		case <-cm.ctx.Done():
			cm.mu.Lock()
			cm.cycling = false
			cm.mu.Unlock()
			return
		}
	}
}

func (cm *ConnectionManager) dial(userId string) (Conn, error) {
	token, err := cm.tokens.Token(userId)
	if err != nil {
		return nil, fmt.Errorf("token for %q: %w", userId, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ctx, cancel := context.WithTimeout(cm.ctx, cm.opts.DialTimeout)
	defer cancel()

	return cm.dialer.Dial(ctx, cm.opts.URL, header)
}

func (cm *ConnectionManager) established(conn Conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cycling = false
	if cm.closed {
		conn.Close()
		return
	}

	l := newLink(conn)
	cm.link = l
	cm.attempts = 0
	cm.setStateLocked(Connected)
	cm.log.Infof("connected to %s", cm.opts.URL)

	cm.wg.Add(2)
	go cm.readPump(l)
	go cm.writePump(l)

	if len(cm.outbox) > 0 {
		l.signal()
	}
}

// drop tears down l and, unless the manager is closed, starts reconnecting.
func (cm *ConnectionManager) drop(l *link, cause error) {
	l.close()

	userId, hasIdentity := cm.identity.CurrentUserId()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.link != l {
		return
	}
	cm.link = nil
	cm.purgeTransientLocked()

	if cm.closed {
		return
	}

	cm.log.Warnf("connection to %s lost: %v", cm.opts.URL, cause)
	cm.setStateLocked(Disconnected)

	if hasIdentity {
		cm.startCycleLocked(userId)
	}
}

func (cm *ConnectionManager) readPump(l *link) {
	defer cm.wg.Done()

	l.conn.SetReadLimit(cm.opts.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(cm.opts.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(cm.opts.PongWait))
	})

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cm.log.Debugf("ws: read: %v", err)
			}
			cm.drop(l, err)
			return
		}

		cm.mu.Lock()
		handler := cm.inbound
		cm.mu.Unlock()

		if handler != nil {
			handler(raw)
		}
	}
}

func (cm *ConnectionManager) writePump(l *link) {
	defer cm.wg.Done()

	ticker := time.NewTicker((cm.opts.PongWait * 9) / 10)
	defer ticker.Stop()

	for {
		for {
			f, ok := cm.popFrame(l)
			if !ok {
				break
			}

			if err := cm.write(l, websocket.TextMessage, f.data); err != nil {
				if !f.transient {
					cm.requeueFrame(f)
				}
				cm.drop(l, err)
				return
			}
		}

		select {
		case <-l.wake:
		case <-ticker.C:
			if err := cm.write(l, websocket.PingMessage, nil); err != nil {
				cm.drop(l, err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (cm *ConnectionManager) write(l *link, messageType int, data []byte) error {
	l.conn.SetWriteDeadline(time.Now().Add(cm.opts.WriteWait))
	return l.conn.WriteMessage(messageType, data)
}

func (cm *ConnectionManager) popFrame(l *link) (frame, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.link != l || len(cm.outbox) == 0 {
		return frame{}, false
	}

	f := cm.outbox[0]
	cm.outbox = cm.outbox[1:]
	return f, true
}

func (cm *ConnectionManager) requeueFrame(f frame) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.outbox = append([]frame{f}, cm.outbox...)
	cm.trimOutboxLocked()
}

// Send queues data for delivery. Frames queued while offline are flushed in
// order after the next successful connect.
func (cm *ConnectionManager) Send(data []byte) bool {
	return cm.enqueue(frame{data: data}, false)
}

// SendTransient delivers data only if the manager is Connected; otherwise
// the frame is dropped.
func (cm *ConnectionManager) SendTransient(data []byte) bool {
	return cm.enqueue(frame{data: data, transient: true}, true)
}

func (cm *ConnectionManager) enqueue(f frame, requireConnected bool) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return false
	}
	if requireConnected && (cm.state != Connected || cm.link == nil) {
		return false
	}

	cm.outbox = append(cm.outbox, f)
	cm.trimOutboxLocked()

	if cm.link != nil {
		cm.link.signal()
	}

	return true
}

func (cm *ConnectionManager) trimOutboxLocked() {
	if over := len(cm.outbox) - cm.opts.OutboxSize; over > 0 {
		cm.log.Warnf("outbox full, dropping %d oldest frames", over)
		cm.outbox = cm.outbox[over:]
	}
}

func (cm *ConnectionManager) purgeTransientLocked() {
	kept := cm.outbox[:0]
	for _, f := range cm.outbox {
		if !f.transient {
			kept = append(kept, f)
		}
	}
	cm.outbox = kept
}

// Pending returns the number of frames waiting in the outbox.
func (cm *ConnectionManager) Pending() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.outbox)
}

func (cm *ConnectionManager) setStateLocked(s State) {
	if cm.state == s {
		return
	}

	cm.state = s
	cm.pending = append(cm.pending, s)

	select {
	case cm.notify <- struct{}{}:
	default:
	}
}

func (cm *ConnectionManager) notifyLoop() {
	defer close(cm.notified)

	for {
		select {
		case <-cm.notify:
			cm.deliverNotifications()
		case <-cm.ctx.Done():
			cm.deliverNotifications()
			return
		}
	}
}

func (cm *ConnectionManager) deliverNotifications() {
	cm.mu.Lock()
	pending := cm.pending
	cm.pending = nil
	observers := make([]func(State), 0, len(cm.observers))
	for _, fn := range cm.observers {
		observers = append(observers, fn)
	}
	cm.mu.Unlock()

	for _, s := range pending {
		for _, fn := range observers {
			fn(s)
		}
	}
}

// Close disconnects and stops every reconnect cycle. The manager cannot be
// reused afterwards.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	l := cm.link
	cm.link = nil
	cm.setStateLocked(Disconnected)
	cm.mu.Unlock()

	cm.cancel()
	if l != nil {
		l.close()
	}

	cm.wg.Wait()
	<-cm.notified

	cm.log.Infof("connection manager closed")
}
