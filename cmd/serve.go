package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/andresmejia3/dashlink/internal/artifact"
	"github.com/andresmejia3/dashlink/internal/config"
	"github.com/andresmejia3/dashlink/internal/frame"
	"github.com/andresmejia3/dashlink/internal/metrics"
	"github.com/andresmejia3/dashlink/internal/server"
	"github.com/andresmejia3/dashlink/internal/trigger"
	"github.com/andresmejia3/dashlink/internal/types"
	"github.com/andresmejia3/dashlink/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveValues     = config.Default()
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Wait for a dashboard and send it the current artifacts on every trigger",
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveConfigPath, "config", "c", "", "YAML config file (flags override its values)")
	f.StringVarP(&serveValues.Listen, "listen", "l", serveValues.Listen, "Address the dashboard connects to")
	f.StringVar(&serveValues.Trigger.FIFO, "fifo", serveValues.Trigger.FIFO, "Named pipe the producer writes trigger lines to")
	f.BoolVar(&serveValues.Trigger.CreateFIFO, "create-fifo", false, "Create the named pipe if it does not exist")
	f.StringVar(&serveValues.Trigger.RedisAddr, "redis-addr", "", "Take triggers from Redis pub/sub at this address instead of the FIFO")
	f.StringVar(&serveValues.Trigger.RedisChannel, "redis-channel", serveValues.Trigger.RedisChannel, "Redis pub/sub channel carrying trigger lines")
	f.StringVar(&serveValues.Artifacts.Preprocessed, "preprocessed", serveValues.Artifacts.Preprocessed, "Path of the preprocessed image")
	f.StringVar(&serveValues.Artifacts.Processed, "processed", serveValues.Artifacts.Processed, "Path of the processed image")
	f.StringVar(&serveValues.Artifacts.Scores, "scores", serveValues.Artifacts.Scores, "Path of the softmax scores file")
	f.StringVar(&serveValues.MetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (disabled when empty)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies the flags the user actually set onto cfg, so a
// config file value is only replaced by an explicit flag.
func applyServeFlags(cfg *config.Config, v config.Config, changed func(string) bool) {
	if changed("listen") {
		cfg.Listen = v.Listen
	}
	if changed("fifo") {
		cfg.Trigger.FIFO = v.Trigger.FIFO
	}
	if changed("create-fifo") {
		cfg.Trigger.CreateFIFO = v.Trigger.CreateFIFO
	}
	if changed("redis-addr") {
		cfg.Trigger.RedisAddr = v.Trigger.RedisAddr
	}
	if changed("redis-channel") {
		cfg.Trigger.RedisChannel = v.Trigger.RedisChannel
	}
	if changed("preprocessed") {
		cfg.Artifacts.Preprocessed = v.Artifacts.Preprocessed
	}
	if changed("processed") {
		cfg.Artifacts.Processed = v.Artifacts.Processed
	}
	if changed("scores") {
		cfg.Artifacts.Scores = v.Artifacts.Scores
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = v.MetricsAddr
	}
}

// loadServeConfig resolves file, defaults and flags into a validated config.
func loadServeConfig(path string, v config.Config, changed func(string) bool) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	applyServeFlags(&cfg, v, changed)
	return cfg, cfg.Validate()
}

// recordingURL decides whether the transmission log is enabled. It is only
// turned on by an explicit --db, a config entry or a POSTGRES_HOST environment.
func recordingURL(flagURL, configURL string, getenv func(string) string) string {
	switch {
	case flagURL != "":
		return flagURL
	case configURL != "":
		return configURL
	case getenv("POSTGRES_HOST") != "":
		return resolveDBURL("", getenv)
	}
	return ""
}

// failureStage names the part of the pipeline a fatal serve error came from.
func failureStage(err error) string {
	switch {
	case errors.Is(err, trigger.ErrChannelRead):
		return "Trigger channel closed"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "Score vector does not fit in a frame"
	case errors.Is(err, server.ErrArtifactLoad):
		return "Failed to load artifacts"
	case errors.Is(err, server.ErrConnection):
		return "Dashboard connection failed"
	}
	return "Server failed"
}

func runServe(cmd *cobra.Command) {
	ctx := cmd.Context()

	cfg, err := loadServeConfig(serveConfigPath, serveValues, cmd.Flags().Changed)
	if err != nil {
		utils.Die("Invalid configuration", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, logger); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(m)}
	if url := recordingURL(dbURL, cfg.Database, os.Getenv); url != "" {
		if err := openDB(ctx, url); err != nil {
			utils.Die("Failed to open transmission log", err)
		}
		opts = append(opts, server.WithRecorder(DB))
		fmt.Fprintln(os.Stderr, "🗄️  Recording transmissions to PostgreSQL")
	}

	triggers, cleanup, err := newTriggerSource(cfg.Trigger, m)
	if err != nil {
		utils.Die("Failed to prepare trigger channel", err)
	}
	defer cleanup()

	artifacts := &artifact.FileSource{
		PreprocessedPath: cfg.Artifacts.Preprocessed,
		ProcessedPath:    cfg.Artifacts.Processed,
		ScoresPath:       cfg.Artifacts.Scores,
	}
	srv := server.New(cfg.Listen, triggers, artifacts, opts...)

	fmt.Fprintf(os.Stderr, "📡 Waiting for dashboard on %s\n", cfg.Listen)
	err = srv.Run(ctx)
	fmt.Fprintf(os.Stderr, "📦 Sent %d frames\n", srv.Sent())

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "🛑 Interrupted, shutting down.")
		return
	}
	if DB != nil {
		DB.Close(context.Background())
		DB = nil
	}
	cleanup()
	utils.Die(failureStage(err), err)
}

// newTriggerSource builds the configured control channel. It is opened only
// when the server first waits for a trigger, after the dashboard connected.
func newTriggerSource(tc config.TriggerConfig, m *metrics.Metrics) (*deferredChannel, func(), error) {
	onIgnored := func(string) { m.LinesIgnored.Inc() }

	if tc.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: tc.RedisAddr})
		d := &deferredChannel{
			onIgnored: onIgnored,
			open: func(ctx context.Context) (*trigger.Channel, error) {
				return trigger.NewRedisChannel(ctx, client, tc.RedisChannel)
			},
		}
		return d, func() { client.Close() }, nil
	}

	if tc.CreateFIFO {
		if err := trigger.EnsureFIFO(tc.FIFO); err != nil {
			return nil, nil, err
		}
	}
	d := &deferredChannel{
		onIgnored: onIgnored,
		open: func(ctx context.Context) (*trigger.Channel, error) {
			fmt.Fprintf(os.Stderr, "⏳ Waiting for trigger producer on %s\n", tc.FIFO)
			return trigger.OpenFIFO(ctx, tc.FIFO)
		},
	}
	return d, func() {}, nil
}

// deferredChannel opens its trigger.Channel on the first Next call.
type deferredChannel struct {
	open      func(ctx context.Context) (*trigger.Channel, error)
	onIgnored func(string)

	mu     sync.Mutex
	ch     *trigger.Channel
	closed bool
}

func (d *deferredChannel) Next(ctx context.Context) (types.TriggerEvent, error) {
	d.mu.Lock()
	ch, closed := d.ch, d.closed
	d.mu.Unlock()
	if closed {
		return types.TriggerEvent{}, fmt.Errorf("%w: channel closed", trigger.ErrChannelRead)
	}

	if ch == nil {
		opened, err := d.open(ctx)
		if err != nil {
			return types.TriggerEvent{}, err
		}
		opened.OnIgnored = d.onIgnored

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			opened.Close()
			return types.TriggerEvent{}, fmt.Errorf("%w: channel closed", trigger.ErrChannelRead)
		}
		d.ch = opened
		d.mu.Unlock()
		ch = opened
	}
	return ch.Next(ctx)
}

func (d *deferredChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.ch != nil {
		return d.ch.Close()
	}
	return nil
}
