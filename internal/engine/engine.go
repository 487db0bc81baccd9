// Package engine implements the single-threaded, non-blocking readiness
// loop that drives every session: C7 of the relay design. One goroutine
// owns the poller, the session table, and every Session; no session state
// is ever touched from another goroutine.
package engine

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	tunrelay "tunrelay/internal"
	"tunrelay/internal/classify"
	"tunrelay/internal/egress"
	"tunrelay/internal/hook"
	"tunrelay/internal/poller"
	"tunrelay/internal/session"
)

// protoName renders a SessionKey's protocol as the label value the
// Prometheus exporter uses.
func protoName(p classify.Protocol) string {
	if p == classify.UDP {
		return "udp"
	}
	return "tcp"
}

// Reserved tokens, per spec.md §4.7. Session tokens start at firstSessionToken.
const (
	tokenTUN   = 0
	tokenWaker = 1

	firstSessionToken = 10
)

const maxPacketSize = 65535

// Config holds the engine's timing knobs, sourced from the config.Engine
// section.
type Config struct {
	MTU             int
	PollTimeout     time.Duration
	UDPTimeout      time.Duration
	TCPGraceTimeout time.Duration
	TCPMaxLifetime  time.Duration
}

// DefaultConfig matches spec.md §4.7's defaults.
func DefaultConfig() Config {
	return Config{
		MTU:             65535,
		PollTimeout:     5 * time.Second,
		UDPTimeout:      10 * time.Second,
		TCPGraceTimeout: 1 * time.Second,
		TCPMaxLifetime:  7200 * time.Second,
	}
}

// EgressFactory builds the egress leg of a brand new session. The default
// is egress.Dial wrapped with the engine's hook slot.
type EgressFactory func(key classify.SessionKey) (egress.Socket, error)

// Engine is the worker loop's external handle: safe to call Start/Stop/
// SetSocketCreatedCallback from any goroutine.
type Engine struct {
	cfg      Config
	hookSlot *hook.Slot
	logger   *zap.Logger

	egressFactory EgressFactory

	pollr *poller.Poller
	waker *poller.Waker
	tunFD int

	sessionsByKey   map[classify.SessionKey]*session.Session
	sessionsByToken map[session.Token]*session.Session
	nextToken       session.Token

	continueRead *list.List // FIFO of classify.SessionKey

	shutdown atomic.Bool
	done     chan struct{}

	malformedLimiter *rate.Limiter

	mu       sync.Mutex // guards SetSocketCreatedCallback's interaction with hookSlot only
	snapshot atomic.Pointer[[]SessionInfo]
}

// SessionInfo is a point-in-time, read-only view of one session, published
// for the introspection API. It never aliases Session state directly so a
// reader goroutine can hold it indefinitely without synchronizing with the
// worker.
type SessionInfo struct {
	Key       classify.SessionKey
	Token     session.Token
	Age       time.Duration
	HasExpiry bool
	ExpiresIn time.Duration
}

// Snapshot returns the most recently published session list. Safe to call
// from any goroutine.
func (e *Engine) Snapshot() []SessionInfo {
	p := e.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (e *Engine) publishSnapshot() {
	now := time.Now()
	infos := make([]SessionInfo, 0, len(e.sessionsByKey))
	for _, s := range e.sessionsByKey {
		info := SessionInfo{Key: s.Key, Token: s.Token, Age: now.Sub(s.LifetimeStart)}
		if s.Expiry != nil {
			info.HasExpiry = true
			info.ExpiresIn = s.Expiry.Sub(now)
		}
		infos = append(infos, info)
	}
	e.snapshot.Store(&infos)
}

// New constructs an idle engine. Call Start to bring it to life.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:              cfg,
		hookSlot:         hook.NewSlot(),
		logger:           logger,
		sessionsByKey:    make(map[classify.SessionKey]*session.Session),
		sessionsByToken:  make(map[session.Token]*session.Session),
		nextToken:        firstSessionToken,
		continueRead:     list.New(),
		done:             make(chan struct{}),
		malformedLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	e.egressFactory = func(key classify.SessionKey) (egress.Socket, error) {
		return egress.Dial(key, e.hookSlot)
	}
	return e
}

// SetSocketCreatedCallback installs fn as the process-wide socket-creation
// callback (C8), invoked by the default egress socket just before connect.
func (e *Engine) SetSocketCreatedCallback(fn func(fd int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hookSlot.Set(fn)
}

// SetEgressFactory overrides how new sessions dial their egress leg. Tests
// use this to substitute a fake socket without a real destination.
func (e *Engine) SetEgressFactory(f EgressFactory) {
	e.egressFactory = f
}

// Start spawns the worker goroutine bound to tunFD and returns once the
// poller and waker are ready. The worker exits after Stop is called and the
// in-flight event batch finishes.
func (e *Engine) Start(tunFD int) error {
	p, err := poller.New()
	if err != nil {
		return err
	}
	w, err := poller.NewWaker(p, tokenWaker)
	if err != nil {
		p.Close()
		return err
	}
	if err := p.Register(tunFD, tokenTUN, uint32(poller.Readable)); err != nil {
		w.Close()
		p.Close()
		return err
	}

	e.pollr = p
	e.waker = w
	e.tunFD = tunFD

	go e.run()
	return nil
}

// Stop signals the worker to exit after its current event batch and blocks
// until it has. Safe to call from any goroutine, at most once.
func (e *Engine) Stop() {
	if e.shutdown.Swap(true) {
		return
	}
	if e.waker != nil {
		e.waker.Wake()
	}
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.pollr.Close()
	defer e.waker.Close()

	events := make([]poller.Event, 0, 64)
	tunWriter := &fdTUNWriter{fd: e.tunFD}

	for {
		var err error
		events, err = e.pollr.Wait(events, int(e.cfg.PollTimeout.Milliseconds()))
		if err != nil {
			e.logger.Error("poll wait failed", zap.Error(err))
			continue
		}

		for _, ev := range events {
			switch ev.Token {
			case tokenTUN:
				e.handleTUNReadable(tunWriter)
			case tokenWaker:
				e.waker.Drain()
				if e.shutdown.Load() {
					e.teardownAll(tunWriter)
					return
				}
				e.serviceContinueRead(tunWriter)
			default:
				e.handleSessionEvent(session.Token(ev.Token), ev.Flags, tunWriter)
			}
		}

		e.sweepExpired(tunWriter)
		e.publishSnapshot()
	}
}

type fdTUNWriter struct{ fd int }

func (w *fdTUNWriter) Write(packet []byte) error {
	_, err := unix.Write(w.fd, packet)
	return err
}

// handleTUNReadable loop-reads packets off the TUN fd, classifying and
// routing each to its session (creating one on first sight), per spec.md
// §4.7's "TUN readable" branch.
func (e *Engine) handleTUNReadable(tun *fdTUNWriter) {
	scratch := make([]byte, maxPacketSize)
	for {
		n, err := unix.Read(e.tunFD, scratch)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			e.logger.Warn("tun read error", zap.Error(err))
			return
		}
		if n == 0 {
			return
		}
		packet := scratch[:n]

		key, cerr := classify.Classify(packet)
		if cerr != nil {
			if cerr == classify.ErrMalformed {
				if e.malformedLimiter.Allow() {
					e.logger.Debug("dropping malformed packet")
				}
			}
			continue
		}

		sess, err := e.getOrCreateSession(key)
		if err != nil {
			e.logger.Debug("session setup failed", zap.Error(err), zap.Any("key", key))
			continue
		}

		sess.StoreTUNData(packet)
		_ = sess.WriteToTUN(tun)
		sess.ReadFromStack()
		if err := sess.WriteToServer(); err != nil {
			e.closeSession(sess, tun)
			continue
		}
		sess.RefreshUDPExpiry(e.cfg.UDPTimeout)
	}
}

func (e *Engine) getOrCreateSession(key classify.SessionKey) (*session.Session, error) {
	if s, ok := e.sessionsByKey[key]; ok {
		return s, nil
	}

	sock, err := e.egressFactory(key)
	if err != nil {
		return nil, err
	}
	token := e.nextToken
	e.nextToken++

	if err := sock.Register(e.pollr, uint64(token)); err != nil {
		sock.Close()
		return nil, err
	}

	s, err := session.NewWithEgress(key, token, e.cfg.MTU, sock, e.cfg.UDPTimeout)
	if err != nil {
		_ = sock.Deregister(e.pollr)
		sock.Close()
		return nil, err
	}
	e.sessionsByKey[key] = s
	e.sessionsByToken[token] = s
	tunrelay.ObserveSessionOpened(protoName(key.Proto))
	return s, nil
}

// handleSessionEvent drains server->client on readable (possibly enqueuing
// continue-read) and client->server on writable, per spec.md §4.7.
func (e *Engine) handleSessionEvent(tok session.Token, flags uint32, tun *fdTUNWriter) {
	s, ok := e.sessionsByToken[tok]
	if !ok {
		return
	}

	var closed bool
	if flags&uint32(poller.Readable) != 0 {
		if err := s.ReadFromServer(&closed); err != nil {
			e.logger.Debug("read from server failed", zap.Error(err), zap.Any("key", s.Key))
			closed = true
		}
		s.WriteToStack()
		_ = s.WriteToTUN(tun)
		if s.PendingToClient() > 0 {
			e.continueRead.PushBack(s.Key)
			e.waker.Wake()
		}
		s.RefreshUDPExpiry(e.cfg.UDPTimeout)
	}
	if flags&uint32(poller.Writable) != 0 {
		if err := s.WriteToServer(); err != nil {
			e.logger.Debug("write to server failed", zap.Error(err), zap.Any("key", s.Key))
			closed = true
		}
		s.RefreshUDPExpiry(e.cfg.UDPTimeout)
	}

	if closed {
		s.ForceExpiry(e.cfg.TCPGraceTimeout)
	}
}

// serviceContinueRead dequeues one session whose last read did not fully
// drain the egress socket, giving it another turn without starving other
// events — spec.md §4.7's bursty-server guarantee.
func (e *Engine) serviceContinueRead(tun *fdTUNWriter) {
	front := e.continueRead.Front()
	if front == nil {
		return
	}
	e.continueRead.Remove(front)
	key := front.Value.(classify.SessionKey)

	s, ok := e.sessionsByKey[key]
	if !ok {
		return
	}

	var closed bool
	if err := s.ReadFromServer(&closed); err != nil {
		closed = true
	}
	s.WriteToStack()
	_ = s.WriteToTUN(tun)

	if s.PendingToClient() > 0 {
		e.continueRead.PushBack(key)
		e.waker.Wake()
	}
	if closed {
		s.ForceExpiry(e.cfg.TCPGraceTimeout)
	}
}

func (e *Engine) sweepExpired(tun *fdTUNWriter) {
	now := time.Now()
	for key, s := range e.sessionsByKey {
		if s.Expired(now, e.cfg.TCPMaxLifetime) {
			e.closeSessionByKey(key, tun, "expired")
		}
	}
}

func (e *Engine) closeSession(s *session.Session, tun *fdTUNWriter) {
	e.closeSessionByKey(s.Key, tun, "reset")
}

func (e *Engine) closeSessionByKey(key classify.SessionKey, tun *fdTUNWriter, reason string) {
	s, ok := e.sessionsByKey[key]
	if !ok {
		return
	}
	delete(e.sessionsByKey, key)
	delete(e.sessionsByToken, s.Token)
	s.Destroy(e.pollr, tun)
	tunrelay.ObserveSessionClosed(protoName(key.Proto), reason)
}

func (e *Engine) teardownAll(tun *fdTUNWriter) {
	for key := range e.sessionsByKey {
		e.closeSessionByKey(key, tun, "shutdown")
	}
}

// SessionCount reports the number of live sessions as of the last published
// Snapshot. Safe to call from any goroutine.
func (e *Engine) SessionCount() int { return len(e.Snapshot()) }
