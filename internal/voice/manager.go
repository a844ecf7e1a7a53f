package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

var (
	ErrNotConnected = errors.New("voice: not connected")
	ErrConnection   = errors.New("voice: connection failed")
)

// Target identifies a voice channel.
type Target struct {
	GuildID   string
	ChannelID string
}

// Connection is a live presence in a voice channel.
type Connection interface {
	// Play streams audio and blocks until it finishes or ctx is cancelled.
	Play(ctx context.Context, audio []byte) error
	Disconnect() error
}

// Joiner opens voice connections.
type Joiner interface {
	Join(ctx context.Context, target Target) (Connection, error)
}

// ConnectionError reports a failed join. It matches ErrConnection.
type ConnectionError struct {
	Target Target
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("join voice channel %s/%s: %v", e.Target.GuildID, e.Target.ChannelID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

type playback struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the single process-wide voice connection. At most one
// playback runs at a time; a new one replaces the previous.
type Manager struct {
	joiner Joiner
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	conn    Connection
	target  Target
	current *playback
	notify  func(State, Target)

	// generation counts successful joins. It is read without mu so platform
	// events can be stamped while a join holds the lock.
	generation atomic.Uint64

	joins     metric.Int64Counter
	started   metric.Int64Counter
	preempted metric.Int64Counter
}

func NewManager(parent context.Context, joiner Joiner, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		joiner: joiner,
		log:    log.With(slog.String("component", "voice-manager")),
		ctx:    ctx,
		cancel: cancel,
	}
	m.initMetrics()
	return m
}

// OnStateChange registers fn to be called after every transition. fn runs
// with the manager locked and must not call back into it.
func (m *Manager) OnStateChange(fn func(State, Target)) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// EnsureConnected joins target unless a connection already exists. A nil
// target while disconnected is a no-op and reports false.
func (m *Manager) EnsureConnected(ctx context.Context, target *Target) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Connected {
		return true, nil
	}
	if target == nil {
		return false, nil
	}
	conn, err := m.joiner.Join(ctx, *target)
	if err != nil {
		m.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return false, &ConnectionError{Target: *target, Err: err}
	}
	m.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	m.conn = conn
	m.target = *target
	m.state = Connected
	m.generation.Add(1)
	m.notifyLocked()
	m.log.Info("joined voice channel",
		slog.String("guild", target.GuildID),
		slog.String("channel", target.ChannelID))
	return true, nil
}

// Play starts streaming audio, stopping any playback in flight first. It
// returns once the new playback has started.
func (m *Manager) Play(audio []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		return "", ErrNotConnected
	}
	if m.stopLocked() {
		m.preempted.Add(m.ctx, 1)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	p := &playback{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	m.current = p
	m.started.Add(m.ctx, 1)

	conn := m.conn
	go func() {
		defer close(p.done)
		defer cancel()
		if err := conn.Play(ctx, audio); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("playback failed", slog.String("playback", p.id), slog.String("error", err.Error()))
		}
	}()
	return p.id, nil
}

// Disconnect leaves the voice channel. It is a no-op when already
// disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Disconnected {
		return nil
	}
	m.stopLocked()
	err := m.conn.Disconnect()
	m.log.Info("left voice channel",
		slog.String("guild", m.target.GuildID),
		slog.String("channel", m.target.ChannelID))
	m.resetLocked()
	if err != nil {
		return fmt.Errorf("disconnect voice: %w", err)
	}
	return nil
}

// Generation identifies the current connection. It never blocks.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// Detach forgets the connection without leaving; used when the platform
// reports the bot is no longer in the channel. generation is the value of
// Generation when the report was observed; a report that predates the
// current connection is ignored.
func (m *Manager) Detach(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Disconnected {
		return
	}
	if generation != m.generation.Load() {
		m.log.Debug("ignoring stale voice loss",
			slog.Uint64("observed", generation),
			slog.Uint64("current", m.generation.Load()))
		return
	}
	m.stopLocked()
	m.log.Info("voice connection dropped by platform", slog.String("channel", m.target.ChannelID))
	m.resetLocked()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the connected channel, if any.
func (m *Manager) Target() (Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target, m.state == Connected
}

// Playing reports whether a playback is in flight.
func (m *Manager) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && !isDone(m.current)
}

// Close stops playback and leaves the channel.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.cancel()
	return err
}

// stopLocked cancels the current playback and waits for it to return.
// Reports whether a running playback was interrupted.
func (m *Manager) stopLocked() bool {
	p := m.current
	if p == nil {
		return false
	}
	m.current = nil
	running := !isDone(p)
	p.cancel()
	<-p.done
	return running
}

func (m *Manager) resetLocked() {
	left := m.target
	m.conn = nil
	m.target = Target{}
	m.state = Disconnected
	if m.notify != nil {
		m.notify(Disconnected, left)
	}
}

func (m *Manager) notifyLocked() {
	if m.notify != nil {
		m.notify(m.state, m.target)
	}
}

func isDone(p *playback) bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-speak/voice")
	m.joins = counter(meter, "speak.voice.joins", "Voice channel join attempts", m.log)
	m.started = counter(meter, "speak.playback.started", "Playbacks started", m.log)
	m.preempted = counter(meter, "speak.playback.preempted", "Playbacks interrupted by a newer one", m.log)
}

func counter(meter metric.Meter, name, desc string, log *slog.Logger) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn("failed to create metric", slog.String("metric", name), slog.String("error", err.Error()))
		return noop.Int64Counter{}
	}
	return c
}
