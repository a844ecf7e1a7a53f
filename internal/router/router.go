package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/session"
	"github.com/loqalabs/loqa-speak/internal/synth"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

// Message is an inbound chat message as seen by the router.
type Message struct {
	ID         string
	AuthorID   string
	AuthorName string
	ChannelID  string
	GuildID    string
	Content    string
	// Voice is the author's current voice channel, nil when not in one.
	Voice    *voice.Target
	FromSelf bool
}

// VoiceSessions is the part of the voice manager the router drives.
type VoiceSessions interface {
	EnsureConnected(ctx context.Context, target *voice.Target) (bool, error)
	Play(audio []byte) (string, error)
	Disconnect() error
}

// Replier sends text back to a channel.
type Replier interface {
	Reply(ctx context.Context, channelID, content string) error
}

// Journal receives a record of what the router did.
type Journal interface {
	Record(ctx context.Context, evt protocol.Event)
}

type Options struct {
	Prefix     string
	PageSize   int
	ReplyRate  float64
	ReplyBurst int
}

type Router struct {
	opts     Options
	registry *session.Registry
	synth    synth.Synthesizer
	catalog  *synth.Catalog
	voice    VoiceSessions
	replier  Replier
	journal  Journal
	limiter  *rate.Limiter
	logger   *slog.Logger

	tracer        trace.Tracer
	commands      metric.Int64Counter
	synthDuration metric.Float64Histogram
	synthFailures metric.Int64Counter
}

func New(opts Options, registry *session.Registry, synthesizer synth.Synthesizer, catalog *synth.Catalog, voiceSessions VoiceSessions, replier Replier, journal Journal, logger *slog.Logger) *Router {
	if opts.PageSize <= 0 {
		opts.PageSize = synth.DefaultPageSize
	}
	limit := rate.Inf
	if opts.ReplyRate > 0 {
		limit = rate.Limit(opts.ReplyRate)
	}
	if opts.ReplyBurst <= 0 {
		opts.ReplyBurst = 1
	}
	if catalog == nil {
		catalog = synth.NewCatalog(nil)
	}
	r := &Router{
		opts:     opts,
		registry: registry,
		synth:    synthesizer,
		catalog:  catalog,
		voice:    voiceSessions,
		replier:  replier,
		journal:  journal,
		limiter:  rate.NewLimiter(limit, opts.ReplyBurst),
		logger:   logger.With(slog.String("component", "router")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-speak/router"),
	}
	r.initMetrics()
	return r
}

// Handle processes one message. Returned errors are scoped to this message.
func (r *Router) Handle(ctx context.Context, msg Message) error {
	if msg.FromSelf {
		return nil
	}
	sess := r.registry.GetOrCreate(msg.AuthorID)
	cmd := Classify(r.opts.Prefix, msg.Content)
	r.commands.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", cmd.Kind.String())))

	name := msg.AuthorName
	if name == "" {
		name = msg.AuthorID
	}

	switch cmd.Kind {
	case KindEnable:
		r.registry.SetEnabled(msg.AuthorID, true)
		r.record(ctx, protocol.KindSessionEnabled, msg, nil)
		seconds := int(r.registry.IdleTimeout() / time.Second)
		return r.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"TTS enabled for %s. It will be automatically disabled after %d seconds of inactivity.", name, seconds))

	case KindDisable:
		r.registry.SetEnabled(msg.AuthorID, false)
		r.record(ctx, protocol.KindSessionDisabled, msg, nil)
		return r.reply(ctx, msg.ChannelID, fmt.Sprintf("TTS disabled for %s", name))

	case KindVoices:
		for _, page := range r.catalog.Pages(r.opts.PageSize) {
			if err := r.reply(ctx, msg.ChannelID, "```\n"+strings.Join(page, "\n")+"```"); err != nil {
				return err
			}
		}
		return nil

	case KindDisconnect:
		if err := r.voice.Disconnect(); err != nil {
			return err
		}
		return nil

	case KindStatus:
		state := "disabled"
		if sess.Enabled {
			state = "enabled"
		}
		return r.reply(ctx, msg.ChannelID, fmt.Sprintf("TTS is %s for %s (voice %s, %d wpm)", state, name, sess.Voice, sess.Speed))

	case KindHelp:
		return r.reply(ctx, msg.ChannelID, r.helpText())

	case KindSetVoice:
		if cmd.Arg == "" {
			return r.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: %s voice <name>", r.opts.Prefix))
		}
		r.registry.SetVoice(msg.AuthorID, cmd.Arg)
		r.record(ctx, protocol.KindSessionVoice, msg, func(e *protocol.Event) { e.Voice = cmd.Arg })
		return r.reply(ctx, msg.ChannelID, fmt.Sprintf("TTS voice set to %s for %s", cmd.Arg, name))

	case KindSetSpeed:
		speed, err := r.registry.SetSpeed(msg.AuthorID, cmd.Arg)
		if err != nil {
			if errors.Is(err, session.ErrInvalidArgument) {
				return r.reply(ctx, msg.ChannelID, "Invalid speed")
			}
			return err
		}
		r.record(ctx, protocol.KindSessionSpeed, msg, func(e *protocol.Event) { e.Speed = speed })
		return r.reply(ctx, msg.ChannelID, fmt.Sprintf("TTS voice speed set to %d wpm for %s", speed, name))

	default:
		if !sess.Enabled {
			return nil
		}
		return r.speak(ctx, msg, sess)
	}
}

func (r *Router) speak(ctx context.Context, msg Message, sess session.Session) error {
	ctx, span := r.tracer.Start(ctx, "router.speak", trace.WithAttributes(
		attribute.String("user.id", msg.AuthorID),
		attribute.String("voice", sess.Voice),
		attribute.Int("speed", sess.Speed),
	))
	defer span.End()

	start := time.Now()
	audio, err := r.synth.Synthesize(ctx, synth.Request{Text: msg.Content, Voice: sess.Voice, Speed: sess.Speed})
	r.synthDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		r.synthFailures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		r.record(ctx, protocol.KindUtteranceFailed, msg, func(e *protocol.Event) {
			e.Voice, e.Speed, e.Error = sess.Voice, sess.Speed, err.Error()
		})
		var synthErr *synth.SynthesisError
		if errors.As(err, &synthErr) {
			return r.reply(ctx, msg.ChannelID, synthErr.Error())
		}
		return fmt.Errorf("synthesize: %w", err)
	}

	connected, err := r.voice.EnsureConnected(ctx, msg.Voice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "voice join failed")
		return err
	}
	if !connected {
		r.logger.Debug("author not in a voice channel, skipping playback", slog.String("user", msg.AuthorID))
		return nil
	}

	id, err := r.voice.Play(audio)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("play: %w", err)
	}
	span.SetAttributes(attribute.String("playback.id", id))
	r.record(ctx, protocol.KindUtteranceSpoken, msg, func(e *protocol.Event) {
		e.Voice, e.Speed, e.Text = sess.Voice, sess.Speed, msg.Content
	})
	return nil
}

func (r *Router) reply(ctx context.Context, channelID, content string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("reply rate limit: %w", err)
	}
	if err := r.replier.Reply(ctx, channelID, content); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

func (r *Router) record(ctx context.Context, kind string, msg Message, fill func(*protocol.Event)) {
	if r.journal == nil {
		return
	}
	evt := protocol.NewEvent(kind)
	evt.UserID = msg.AuthorID
	evt.UserName = msg.AuthorName
	evt.ChannelID = msg.ChannelID
	if fill != nil {
		fill(&evt)
	}
	r.journal.Record(ctx, evt)
}

func (r *Router) helpText() string {
	p := r.opts.Prefix
	lines := []string{
		p + " enable - speak your messages in your voice channel",
		p + " disable - stop speaking your messages",
		p + " voice <name> - choose a voice",
		p + " speed <wpm> - choose a speed in words per minute",
		p + " voices - list available voices",
		p + " status - show your settings",
		p + " disconnect - leave the voice channel",
	}
	return "```\n" + strings.Join(lines, "\n") + "```"
}

func (r *Router) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-speak/router")
	var err error
	if r.commands, err = meter.Int64Counter("speak.commands", metric.WithDescription("Messages handled by kind")); err != nil {
		r.logger.Warn("failed to create metric", slog.String("error", err.Error()))
		r.commands = noop.Int64Counter{}
	}
	if r.synthDuration, err = meter.Float64Histogram("speak.synth.duration", metric.WithDescription("Synthesizer run time"), metric.WithUnit("s")); err != nil {
		r.logger.Warn("failed to create metric", slog.String("error", err.Error()))
		r.synthDuration = noop.Float64Histogram{}
	}
	if r.synthFailures, err = meter.Int64Counter("speak.synth.failures", metric.WithDescription("Failed synthesizer runs")); err != nil {
		r.logger.Warn("failed to create metric", slog.String("error", err.Error()))
		r.synthFailures = noop.Int64Counter{}
	}
}
