package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the transmitter's Prometheus collectors.
type Metrics struct {
	TriggersReceived prometheus.Counter
	LinesIgnored     prometheus.Counter
	FramesSent       prometheus.Counter
	FrameBytes       prometheus.Counter
	FramesRejected   *prometheus.CounterVec
	SendDuration     prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriggersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashlink_triggers_total",
			Help: "Trigger tokens read from the control channel",
		}),
		LinesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashlink_trigger_lines_ignored_total",
			Help: "Control channel lines that were not a trigger token",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashlink_frames_sent_total",
			Help: "Frames fully written to the dashboard connection",
		}),
		FrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashlink_frame_bytes_total",
			Help: "Bytes written to the dashboard connection",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashlink_frames_rejected_total",
			Help: "Triggers that did not produce a frame, by stage",
		}, []string{"stage"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashlink_send_duration_seconds",
			Help:    "Time from trigger to the last frame byte written",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	reg.MustRegister(m.TriggersReceived, m.LinesIgnored, m.FramesSent, m.FrameBytes, m.FramesRejected, m.SendDuration)
	return m
}

// ObserveSend records one successfully written frame.
func (m *Metrics) ObserveSend(size int, elapsed time.Duration) {
	m.FramesSent.Inc()
	m.FrameBytes.Add(float64(size))
	m.SendDuration.Observe(elapsed.Seconds())
}

// Serve exposes gatherer on /metrics at addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
