package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

type Task func(context.Context)

// Dispatcher runs tasks on per-key lanes. Tasks sharing a key run one after
// another in submission order; different keys run concurrently. A lane's
// goroutine exits once its queue drains.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	lanes  map[string]*lane
}

type lane struct {
	pending []Task
}

func New(parent context.Context, log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(slog.String("component", "dispatcher")),
		lanes:  make(map[string]*lane),
	}
}

// Submit queues task on the lane for key. It returns false once the
// dispatcher is closed.
func (d *Dispatcher) Submit(key string, task Task) bool {
	if task == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
		d.wg.Add(1)
		go d.run(key, l)
	}
	l.pending = append(l.pending, task)
	return true
}

func (d *Dispatcher) run(key string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.pending) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		task := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		d.mu.Unlock()

		d.execute(key, task)
	}
}

func (d *Dispatcher) execute(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("task panicked", slog.String("key", key), slog.Any("panic", r))
		}
	}()
	task(d.ctx)
}

// Active reports the number of lanes with queued or running work.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close rejects new work, cancels the context handed to tasks and waits for
// running lanes to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
