package runtime

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

const journalBuffer = 256

type publisher interface {
	Publish(subject string, v any) error
}

type eventAppender interface {
	AppendEvent(ctx context.Context, evt protocol.Event) error
}

// journal fans router and voice events out to the bus and the event store.
// Record never blocks; events are dropped when the buffer is full.
type journal struct {
	prefix string
	bus    publisher
	store  eventAppender
	log    *slog.Logger
	events chan protocol.Event
}

func newJournal(prefix string, bus publisher, store eventAppender, log *slog.Logger) *journal {
	return &journal{
		prefix: prefix,
		bus:    bus,
		store:  store,
		log:    log.With(slog.String("component", "journal")),
		events: make(chan protocol.Event, journalBuffer),
	}
}

func (j *journal) Record(ctx context.Context, evt protocol.Event) {
	if j.bus == nil && j.store == nil {
		return
	}
	select {
	case j.events <- evt:
	default:
		j.log.Warn("journal buffer full, dropping event", slog.String("kind", evt.Kind))
	}
}

// voiceChanged adapts voice manager transitions into journal events.
func (j *journal) voiceChanged(state voice.State, target voice.Target) {
	kind := protocol.KindVoiceLeft
	if state == voice.Connected {
		kind = protocol.KindVoiceJoined
	}
	evt := protocol.NewEvent(kind)
	evt.ChannelID = target.ChannelID
	j.Record(context.Background(), evt)
}

// Run drains the buffer until ctx is done, then flushes what is left.
func (j *journal) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-j.events:
			j.write(ctx, evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-j.events:
					j.write(context.Background(), evt)
				default:
					return nil
				}
			}
		}
	}
}

func (j *journal) write(ctx context.Context, evt protocol.Event) {
	if j.bus != nil {
		if err := j.bus.Publish(protocol.Subject(j.prefix, evt), evt); err != nil {
			j.log.Warn("failed to publish event", slog.String("kind", evt.Kind), slog.String("error", err.Error()))
		}
	}
	if j.store != nil {
		if err := j.store.AppendEvent(ctx, evt); err != nil {
			j.log.Warn("failed to store event", slog.String("kind", evt.Kind), slog.String("error", err.Error()))
		}
	}
}
