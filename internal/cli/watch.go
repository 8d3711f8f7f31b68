package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/config"
	"github.com/roach88/livesync/internal/metrics"
	"github.com/roach88/livesync/internal/realtime"
	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/source/memsource"
	"github.com/roach88/livesync/internal/source/mqttsource"
	"github.com/roach88/livesync/internal/source/wssource"
	"github.com/roach88/livesync/internal/store"
)

// dialTimeout bounds the initial broker connection.
const dialTimeout = 10 * time.Second

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Config      string
	Database    string // overrides the config's journal
	MetricsAddr string // overrides the config's metrics_addr

	// source replaces the configured source. Tests only.
	source realtime.Source
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return newWatchCommand(rootOpts, nil)
}

func newWatchCommand(rootOpts *RootOptions, src realtime.Source) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts, source: src}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to configured topics and print delivered changes",
		Long: `Open a session against the configured source, subscribe every topic
and print each change that survives reconciliation.

Changes caused by actor_id (or any also_ignore actor) are suppressed as
self-echo, and changes at or before a topic's min_timestamp as stale.
With --db every decision is journaled for "livesync trace".

Runs until interrupted (Ctrl+C).

Examples:
  livesync watch --config ./livesync.cue
  livesync watch -c ./livesync.cue --db ./journal.db
  livesync watch -c ./livesync.cue --metrics-addr :9090 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to CUE config (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Prometheus listen address (overrides config)")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Journal = opts.Database
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stop()
	}

	src := opts.source
	if src == nil {
		src, err = buildSource(ctx, cfg, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to build source", err)
		}
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	sessOpts := session.Options{
		ActorID: cfg.ActorID,
		Logger:  logger,
		Metrics: mt,
	}
	if cfg.Journal != "" {
		st, err := store.Open(cfg.Journal, store.WithLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer st.Close()
		sessOpts.Tracer = st
		logger.Debug("journaling deliveries", "path", cfg.Journal)
	}

	sess := session.Open(src, sessOpts)
	defer sess.Close()

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	for _, topic := range cfg.Topics {
		// Subscriptions are released when ctx is done.
		_, err := sess.Subscribe(ctx, topic.Name, cfg.FilterFor(topic), printChanges(formatter, topic.Name, logger))
		switch {
		case realtime.IsSubscriptionOpenError(err):
			// The registration stays; a later subscriber to the topic retries the open.
			logger.Warn("topic did not open", "topic", topic.Name, "error", err)
		case err != nil:
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to subscribe %s", topic.Name), err)
		default:
			logger.Info("subscribed", "topic", topic.Name)
		}
	}

	<-ctx.Done()
	logger.Info("watch stopped", "changes", formatter.Changes())
	return nil
}

// buildSource creates the transport named by cfg.Source.Kind.
func buildSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (realtime.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceWebSocket:
		heartbeat, err := cfg.Source.HeartbeatInterval()
		if err != nil {
			return nil, err
		}
		return wssource.New(cfg.Source.URL,
			wssource.WithHeartbeatInterval(heartbeat),
			wssource.WithTopicPrefix(cfg.Source.TopicPrefix),
			wssource.WithChannelConfig(channelConfigs(cfg)),
			wssource.WithLogger(logger),
		), nil
	case config.SourceMQTT:
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		src, err := mqttsource.Dial(dialCtx, mqttsource.BrokerConfig{
			Broker:   cfg.Source.Broker,
			ClientID: cfg.Source.ClientID,
			Username: cfg.Source.Username,
			Password: cfg.Source.Password,
		},
			mqttsource.WithQoS(byte(cfg.Source.QoS)),
			mqttsource.WithTopicPrefix(cfg.Source.TopicPrefix),
			mqttsource.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceMemory:
		return memsource.New(), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

// channelConfigs maps topic names to their websocket channel settings.
// A topic without a table listens to the table of the same name.
func channelConfigs(cfg *config.Config) func(topic string) wssource.ChannelConfig {
	return func(topic string) wssource.ChannelConfig {
		t, ok := cfg.TopicByName(topic)
		if !ok {
			return wssource.ChannelConfig{Schema: "public", Table: topic}
		}
		table := t.Table
		if table == "" {
			table = t.Name
		}
		return wssource.ChannelConfig{
			Schema: t.Schema,
			Table:  table,
			Filter: t.Filter,
			Event:  t.Event,
		}
	}
}

// serveMetrics exposes reg on addr/metrics. The returned func shuts the
// server down.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printChanges writes every delivered change on topic through f.
func printChanges(f *OutputFormatter, topic string, logger *slog.Logger) realtime.Callback {
	return func(rec record.Record, kind record.Kind) {
		if err := f.Change(record.Change{Topic: topic, Kind: kind, Record: rec}); err != nil {
			logger.Error("write change", "topic", topic, "error", err)
		}
	}
}
