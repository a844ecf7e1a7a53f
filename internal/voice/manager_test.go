package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/logging"
)

type fakeConn struct {
	mu           sync.Mutex
	plays        []string
	cancelled    []string
	disconnects  int
	block        bool
	disconnectFn func() error
}

func (c *fakeConn) Play(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	c.plays = append(c.plays, string(audio))
	block := c.block
	c.mu.Unlock()
	if !block {
		return nil
	}
	<-ctx.Done()
	c.mu.Lock()
	c.cancelled = append(c.cancelled, string(audio))
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	if c.disconnectFn != nil {
		return c.disconnectFn()
	}
	return nil
}

func (c *fakeConn) snapshot() (plays, cancelled []string, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.plays...), append([]string(nil), c.cancelled...), c.disconnects
}

type fakeJoiner struct {
	mu    sync.Mutex
	conn  *fakeConn
	err   error
	joins []Target
}

func (j *fakeJoiner) Join(ctx context.Context, target Target) (Connection, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joins = append(j.joins, target)
	if j.err != nil {
		return nil, j.err
	}
	return j.conn, nil
}

func (j *fakeJoiner) joinCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.joins)
}

func newManager(t *testing.T, joiner Joiner) *Manager {
	t.Helper()
	m := NewManager(context.Background(), joiner, logging.Discard())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnsureConnectedWithoutTargetIsNoop(t *testing.T) {
	joiner := &fakeJoiner{conn: &fakeConn{}}
	m := newManager(t, joiner)

	ok, err := m.EnsureConnected(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("expected silent no-op, got ok=%v err=%v", ok, err)
	}
	if m.State() != Disconnected || joiner.joinCount() != 0 {
		t.Fatal("expected no join attempt")
	}
}

func TestEnsureConnectedJoinsOnce(t *testing.T) {
	joiner := &fakeJoiner{conn: &fakeConn{}}
	m := newManager(t, joiner)
	target := &Target{GuildID: "g", ChannelID: "c1"}

	for i := 0; i < 3; i++ {
		ok, err := m.EnsureConnected(context.Background(), target)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i, ok, err)
		}
	}
	other := &Target{GuildID: "g", ChannelID: "c2"}
	if ok, _ := m.EnsureConnected(context.Background(), other); !ok {
		t.Fatal("expected existing connection reused")
	}
	if joiner.joinCount() != 1 {
		t.Fatalf("expected one join, got %d", joiner.joinCount())
	}
	if got, ok := m.Target(); !ok || got.ChannelID != "c1" {
		t.Fatalf("unexpected target %+v", got)
	}
}

func TestEnsureConnectedFailure(t *testing.T) {
	joiner := &fakeJoiner{err: errors.New("missing permissions")}
	m := newManager(t, joiner)

	ok, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"})
	if ok {
		t.Fatal("expected not connected")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Target.ChannelID != "c" {
		t.Fatalf("expected ConnectionError with target, got %v", err)
	}
	if m.State() != Disconnected {
		t.Fatal("expected manager to stay disconnected")
	}
	if _, err := m.Play([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	joiner.mu.Lock()
	joiner.err = nil
	joiner.conn = &fakeConn{}
	joiner.mu.Unlock()
	if ok, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"}); !ok || err != nil {
		t.Fatalf("expected later join to succeed, ok=%v err=%v", ok, err)
	}
}

func TestPlayRequiresConnection(t *testing.T) {
	m := newManager(t, &fakeJoiner{conn: &fakeConn{}})
	if _, err := m.Play([]byte("a")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPlayPreemptsPrevious(t *testing.T) {
	conn := &fakeConn{block: true}
	joiner := &fakeJoiner{conn: conn}
	m := newManager(t, joiner)
	if _, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	first, err := m.Play([]byte("first"))
	if err != nil {
		t.Fatalf("play first: %v", err)
	}
	waitFor(t, func() bool { p, _, _ := conn.snapshot(); return len(p) == 1 })

	second, err := m.Play([]byte("second"))
	if err != nil {
		t.Fatalf("play second: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct playback ids")
	}
	waitFor(t, func() bool { p, _, _ := conn.snapshot(); return len(p) == 2 })

	plays, cancelled, _ := conn.snapshot()
	if plays[0] != "first" || plays[1] != "second" {
		t.Fatalf("unexpected plays %v", plays)
	}
	if len(cancelled) != 1 || cancelled[0] != "first" {
		t.Fatalf("expected first playback cancelled before second started, got %v", cancelled)
	}
	if !m.Playing() {
		t.Fatal("expected second playback in flight")
	}
	if joiner.joinCount() != 1 || m.State() != Connected {
		t.Fatal("expected a single connection throughout")
	}
}

func TestPlaybackCompletes(t *testing.T) {
	conn := &fakeConn{}
	m := newManager(t, &fakeJoiner{conn: conn})
	if _, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Play([]byte("short")); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, func() bool { return !m.Playing() })
}

func TestDisconnect(t *testing.T) {
	conn := &fakeConn{block: true}
	m := newManager(t, &fakeJoiner{conn: conn})

	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect while disconnected: %v", err)
	}

	if _, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Play([]byte("long")); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if m.State() != Disconnected {
		t.Fatal("expected disconnected")
	}
	_, cancelled, disconnects := conn.snapshot()
	if disconnects != 1 {
		t.Fatalf("expected one disconnect call, got %d", disconnects)
	}
	if len(cancelled) != 1 {
		t.Fatalf("expected playback stopped, got %v", cancelled)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, _, disconnects := conn.snapshot(); disconnects != 1 {
		t.Fatalf("expected idempotent disconnect, got %d calls", disconnects)
	}
}

func TestDisconnectErrorStillResets(t *testing.T) {
	conn := &fakeConn{disconnectFn: func() error { return errors.New("socket closed") }}
	m := newManager(t, &fakeJoiner{conn: conn})
	if _, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Disconnect(); err == nil {
		t.Fatal("expected disconnect error")
	}
	if m.State() != Disconnected {
		t.Fatal("expected disconnected after failed leave")
	}
}

func TestDetachAllowsRejoin(t *testing.T) {
	conn := &fakeConn{}
	joiner := &fakeJoiner{conn: conn}
	m := newManager(t, joiner)
	target := &Target{GuildID: "g", ChannelID: "c"}
	if _, err := m.EnsureConnected(context.Background(), target); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Detach(m.Generation())
	if m.State() != Disconnected {
		t.Fatal("expected disconnected after detach")
	}
	if _, _, disconnects := conn.snapshot(); disconnects != 0 {
		t.Fatal("detach must not call Disconnect")
	}
	if _, err := m.EnsureConnected(context.Background(), target); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if joiner.joinCount() != 2 {
		t.Fatalf("expected rejoin, got %d joins", joiner.joinCount())
	}
}

func TestStateChangeNotifications(t *testing.T) {
	m := newManager(t, &fakeJoiner{conn: &fakeConn{}})
	var got []string
	m.OnStateChange(func(s State, target Target) {
		got = append(got, s.String()+":"+target.ChannelID)
	})
	if _, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if len(got) != 2 || got[0] != "connected:c" || got[1] != "disconnected:c" {
		t.Fatalf("unexpected notifications %v", got)
	}
}

// gatedJoiner completes a join only once release is closed.
type gatedJoiner struct {
	entered chan struct{}
	release chan struct{}
	conn    *fakeConn
}

func (j *gatedJoiner) Join(ctx context.Context, target Target) (Connection, error) {
	close(j.entered)
	select {
	case <-j.release:
		return j.conn, nil
	case <-time.After(2 * time.Second):
		return nil, errors.New("timeout waiting for voice server")
	}
}

func TestGenerationAdvancesPerJoin(t *testing.T) {
	m := newManager(t, &fakeJoiner{conn: &fakeConn{}})
	if m.Generation() != 0 {
		t.Fatalf("expected generation 0, got %d", m.Generation())
	}
	target := &Target{GuildID: "g", ChannelID: "c"}
	if _, err := m.EnsureConnected(context.Background(), target); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := m.Generation()
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := m.EnsureConnected(context.Background(), target); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if m.Generation() != first+1 {
		t.Fatalf("expected generation %d, got %d", first+1, m.Generation())
	}
}

func TestStaleVoiceLossDuringJoin(t *testing.T) {
	joiner := &gatedJoiner{entered: make(chan struct{}), release: make(chan struct{}), conn: &fakeConn{}}
	m := newManager(t, joiner)

	result := make(chan error, 1)
	go func() {
		_, err := m.EnsureConnected(context.Background(), &Target{GuildID: "g", ChannelID: "c"})
		result <- err
	}()
	<-joiner.entered

	// A leave event left over from an earlier connection arrives mid-join.
	// Reading Generation must not wait for the join.
	observed := make(chan uint64, 1)
	go func() { observed <- m.Generation() }()
	var gen uint64
	select {
	case gen = <-observed:
	case <-time.After(time.Second):
		t.Fatal("Generation blocked while a join was in flight")
	}
	detached := make(chan struct{})
	go func() {
		m.Detach(gen)
		close(detached)
	}()

	close(joiner.release)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("join failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("join did not complete")
	}
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("detach did not return")
	}
	if m.State() != Connected {
		t.Fatal("stale voice loss must not drop the new connection")
	}

	m.Detach(m.Generation())
	if m.State() != Disconnected {
		t.Fatal("expected a current voice loss to detach")
	}
}
