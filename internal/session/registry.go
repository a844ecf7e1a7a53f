package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultVoice = "en-us"
	DefaultSpeed = 175
)

// ErrInvalidArgument is returned when a setting value cannot be parsed.
var ErrInvalidArgument = errors.New("invalid argument")

// Session is a snapshot of one user's text-to-speech settings.
type Session struct {
	UserID   string
	Enabled  bool
	Voice    string
	Speed    int
	LastSeen time.Time
}

type entry struct {
	mu       sync.Mutex
	enabled  bool
	voice    string
	speed    int
	lastSeen time.Time
}

// Options configures a Registry. Zero values fall back to the package defaults.
type Options struct {
	IdleTimeout  time.Duration
	DefaultVoice string
	DefaultSpeed int
	Clock        func() time.Time
}

// Registry maps user ids to their session. Entries are created lazily and live
// for the lifetime of the process.
type Registry struct {
	opts  Options
	log   *slog.Logger
	clock func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	meter        metric.Meter
	knownGauge   metric.Int64ObservableGauge
	enabledGauge metric.Int64ObservableGauge
}

func NewRegistry(opts Options, log *slog.Logger) *Registry {
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = DefaultVoice
	}
	if opts.DefaultSpeed <= 0 {
		opts.DefaultSpeed = DefaultSpeed
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	r := &Registry{
		opts:    opts,
		log:     log.With(slog.String("component", "session-registry")),
		clock:   opts.Clock,
		entries: make(map[string]*entry),
		meter:   otel.Meter("github.com/loqalabs/loqa-speak/session"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// IdleTimeout reports the configured inactivity window.
func (r *Registry) IdleTimeout() time.Duration { return r.opts.IdleTimeout }

// GetOrCreate returns the user's session, inserting defaults on first sight.
// A session idle for longer than the timeout is disabled before it is
// returned, and LastSeen is refreshed on every call.
func (r *Registry) GetOrCreate(userID string) Session {
	e := r.lookup(userID)
	now := r.clock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.opts.IdleTimeout > 0 && now.Sub(e.lastSeen) > r.opts.IdleTimeout {
		if e.enabled {
			r.log.Debug("session idle, disabling", slog.String("user", userID))
		}
		e.enabled = false
	}
	e.lastSeen = now
	return e.snapshot(userID)
}

func (r *Registry) SetEnabled(userID string, enabled bool) {
	e := r.lookup(userID)
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

func (r *Registry) SetVoice(userID, voice string) {
	e := r.lookup(userID)
	e.mu.Lock()
	e.voice = voice
	e.mu.Unlock()
}

// SetSpeed parses raw as words per minute. On a parse failure the stored
// speed is left unchanged and the error wraps ErrInvalidArgument.
func (r *Registry) SetSpeed(userID, raw string) (int, error) {
	speed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("speed %q: %w", raw, ErrInvalidArgument)
	}
	e := r.lookup(userID)
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
	return speed, nil
}

// Peek returns the stored session without touching LastSeen or applying the
// idle check.
func (r *Registry) Peek(userID string) (Session, bool) {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(userID), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(userID string) *entry {
	r.mu.RLock()
	e, ok := r.entries[userID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e
	}
	e = &entry{
		voice:    r.opts.DefaultVoice,
		speed:    r.opts.DefaultSpeed,
		lastSeen: r.clock(),
	}
	r.entries[userID] = e
	return e
}

func (e *entry) snapshot(userID string) Session {
	return Session{
		UserID:   userID,
		Enabled:  e.enabled,
		Voice:    e.voice,
		Speed:    e.speed,
		LastSeen: e.lastSeen,
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	known, err := r.meter.Int64ObservableGauge("speak.sessions.known", metric.WithDescription("Number of users seen since start"))
	if err != nil {
		return err
	}
	enabled, err := r.meter.Int64ObservableGauge("speak.sessions.enabled", metric.WithDescription("Sessions with TTS enabled as stored"))
	if err != nil {
		return err
	}
	r.knownGauge = known
	r.enabledGauge = enabled
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, on := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(enabled, on)
		return nil
	}, known, enabled)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, on int64
	for _, e := range r.entries {
		total++
		e.mu.Lock()
		if e.enabled {
			on++
		}
		e.mu.Unlock()
	}
	return total, on
}
