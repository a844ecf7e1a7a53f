package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/discord"
	"github.com/loqalabs/loqa-speak/internal/dispatch"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/router"
	"github.com/loqalabs/loqa-speak/internal/session"
	"github.com/loqalabs/loqa-speak/internal/synth"
	"github.com/loqalabs/loqa-speak/internal/voice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start wires every component, connects to the chat gateway and blocks until
// ctx is cancelled or a serve loop fails.
func (r *Runtime) Start(ctx context.Context) (err error) {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	})

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		closers = append(closers, embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	var busClient *bus.Client
	if busCfg.Enabled {
		busClient, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		closers = append(closers, busClient.Close)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	})

	j := newJournalFor(r.cfg, busClient, store, r.logger)

	synthesizer, err := synth.New(r.cfg.Synth)
	if err != nil {
		return err
	}
	catalog := synth.LoadCatalog(ctx, synthesizer, r.logger)

	registry := session.NewRegistry(session.Options{
		IdleTimeout:  r.cfg.Session.IdleTimeout(),
		DefaultVoice: r.cfg.Session.DefaultVoice,
		DefaultSpeed: r.cfg.Session.DefaultSpeed,
	}, r.logger)

	gateway, err := discord.New(r.cfg.Discord, r.cfg.Voice.Bitrate, r.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	manager := voice.NewManager(gctx, gateway, r.logger)
	manager.OnStateChange(j.voiceChanged)
	gateway.TrackVoice(manager)

	rt := router.New(router.Options{
		Prefix:     r.cfg.Discord.Prefix,
		PageSize:   r.cfg.Synth.PageSize,
		ReplyRate:  r.cfg.Discord.ReplyRatePerSec,
		ReplyBurst: r.cfg.Discord.ReplyBurst,
	}, registry, synthesizer, catalog, manager, gateway, j, r.logger)

	dispatcher := dispatch.New(gctx, r.logger)
	gateway.OnMessage(func(msg router.Message) {
		accepted := dispatcher.Submit(msg.AuthorID, func(ctx context.Context) {
			if err := rt.Handle(ctx, msg); err != nil {
				level := slog.LevelError
				if errors.Is(err, voice.ErrConnection) {
					level = slog.LevelWarn
				}
				r.logger.LogAttrs(ctx, level, "message handling failed",
					slog.String("user", msg.AuthorID),
					slog.String("channel", msg.ChannelID),
					slog.String("error", err.Error()))
			}
		})
		if !accepted {
			r.logger.Debug("dispatcher closed, dropping message", slog.String("user", msg.AuthorID))
		}
	})

	if err := gateway.Open(); err != nil {
		dispatcher.Close()
		_ = manager.Close()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newMux(func() bool { return gateway.Ready() && (busClient == nil || busClient.Healthy()) }, metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return j.Run(journalCtx) })
	g.Go(func() error {
		maintain(gctx, store, pruneInterval, r.logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		dispatcher.Close()
		if err := manager.Close(); err != nil {
			r.logger.Warn("voice disconnect failed", slog.String("error", err.Error()))
		}
		if err := gateway.Close(); err != nil {
			r.logger.Warn("gateway close failed", slog.String("error", err.Error()))
		}
		stopJournal()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("prefix", r.cfg.Discord.Prefix),
		slog.String("synth", r.cfg.Synth.Mode))

	return g.Wait()
}

func newJournalFor(cfg config.Config, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *journal {
	var pub publisher
	if busClient != nil {
		pub = busClient
	}
	var app eventAppender
	if cfg.EventStore.RetentionMode != "ephemeral" {
		app = store
	}
	return newJournal(cfg.Bus.SubjectPrefix, pub, app, logger)
}

type pruner interface {
	Prune(ctx context.Context) error
}

func maintain(ctx context.Context, store pruner, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func newMux(ready func() bool, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}
