package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/router"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

var ErrMissingToken = errors.New("discord: bot token is required")

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

// VoiceTracker is told when the platform drops the bot from voice.
// Generation must not block; Detach may.
type VoiceTracker interface {
	Generation() uint64
	Detach(generation uint64)
}

// Gateway adapts a discordgo session to the router and voice manager.
type Gateway struct {
	session *discordgo.Session
	bitrate int
	log     *slog.Logger
	ready   atomic.Bool

	mu          sync.Mutex
	onMessage func(router.Message)
	tracker   VoiceTracker
}

func New(cfg config.DiscordConfig, bitrate int, log *slog.Logger) (*Gateway, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = intents
	// Handlers run inline so messages reach the dispatcher in arrival order.
	session.SyncEvents = true

	g := &Gateway{
		session: session,
		bitrate: bitrate,
		log:     log.With(slog.String("component", "discord")),
	}
	session.AddHandler(g.handleReady)
	session.AddHandler(g.handleMessage)
	session.AddHandler(g.handleVoiceState)
	return g, nil
}

// OnMessage registers the sink for inbound chat messages.
func (g *Gateway) OnMessage(fn func(router.Message)) {
	g.mu.Lock()
	g.onMessage = fn
	g.mu.Unlock()
}

// TrackVoice registers the receiver of voice-loss reports.
func (g *Gateway) TrackVoice(t VoiceTracker) {
	g.mu.Lock()
	g.tracker = t
	g.mu.Unlock()
}

func (g *Gateway) Open() error {
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error {
	g.ready.Store(false)
	return g.session.Close()
}

// Ready reports whether the gateway has completed its handshake.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Reply implements router.Replier.
func (g *Gateway) Reply(ctx context.Context, channelID, content string) error {
	_, err := g.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

// Join implements voice.Joiner.
func (g *Gateway) Join(ctx context.Context, target voice.Target) (voice.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := g.session.ChannelVoiceJoin(target.GuildID, target.ChannelID, false, true)
	if err != nil {
		return nil, err
	}
	g.log.Info("joined voice channel", slog.String("guild", target.GuildID), slog.String("channel", target.ChannelID))
	return &connection{vc: vc, bitrate: g.bitrate, log: g.log}, nil
}

func (g *Gateway) selfID() string {
	if g.session.State == nil || g.session.State.User == nil {
		return ""
	}
	return g.session.State.User.ID
}

func (g *Gateway) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	g.ready.Store(true)
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	g.log.Info("discord gateway ready", slog.String("user", name), slog.Int("guilds", len(r.Guilds)))
}

func (g *Gateway) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	g.mu.Lock()
	fn := g.onMessage
	g.mu.Unlock()
	if fn == nil {
		return
	}
	msg, ok := translateMessage(g.selfID(), m, s.State.VoiceState)
	if !ok {
		return
	}
	fn(msg)
}

// handleVoiceState runs on the event loop, which a voice join in progress
// is waiting on, so the tracker is only stamped here and detached elsewhere.
func (g *Gateway) handleVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if !voiceLost(g.selfID(), vs) {
		return
	}
	g.mu.Lock()
	t := g.tracker
	g.mu.Unlock()
	if t == nil {
		return
	}
	generation := t.Generation()
	g.log.Info("removed from voice channel", slog.String("guild", vs.GuildID), slog.Uint64("generation", generation))
	go t.Detach(generation)
}

type voiceStateLookup func(guildID, userID string) (*discordgo.VoiceState, error)

// translateMessage converts a gateway event into a router message. It
// reports false for events that carry no author.
func translateMessage(selfID string, m *discordgo.MessageCreate, lookup voiceStateLookup) (router.Message, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return router.Message{}, false
	}
	msg := router.Message{
		ID:         m.ID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		Content:    m.Content,
		FromSelf:   selfID != "" && m.Author.ID == selfID,
	}
	if msg.FromSelf || m.GuildID == "" || lookup == nil {
		return msg, true
	}
	if vs, err := lookup(m.GuildID, m.Author.ID); err == nil && vs != nil && vs.ChannelID != "" {
		msg.Voice = &voice.Target{GuildID: m.GuildID, ChannelID: vs.ChannelID}
	}
	return msg, true
}

func voiceLost(selfID string, vs *discordgo.VoiceStateUpdate) bool {
	if selfID == "" || vs == nil || vs.VoiceState == nil {
		return false
	}
	return vs.UserID == selfID && vs.ChannelID == ""
}
