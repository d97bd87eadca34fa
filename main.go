package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nimdanitro/greensens-scraper-go/pkg/config"
	"github.com/nimdanitro/greensens-scraper-go/pkg/exporter"
	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
	"github.com/nimdanitro/greensens-scraper-go/pkg/sink"
)

const scope = "github.com/nimdanitro/greensens-scraper-go"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Parse command line flags
	config.Flags(pflag.CommandLine)
	pflag.Parse()

	// Setup Otel
	shutdown, err := setupOTelSDK(ctx)
	defer shutdown(context.Background())
	if err != nil {
		panic(err)
	}

	// Initialize logger
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(os.Stdout), zapcore.DebugLevel),
		otelzap.NewCore(scope, otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)
	logger := zap.New(core)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	logger.Info("starting up", zap.String("version", version), zap.String("commit", commit), zap.String("buildDate", date))

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		logger.Fatal("cannot load configuration", zap.Error(err))
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled for the GreenSens API")
	}

	m, err := newMetrics()
	if err != nil {
		logger.Fatal("cannot create instruments", zap.Error(err))
	}

	client, err := greensens.New(ctx, cfg.Username, cfg.Password,
		greensens.WithLogger(logger),
		greensens.WithHost(cfg.Host),
		greensens.WithTimeout(cfg.Timeout),
		greensens.WithTLSVerify(!cfg.InsecureSkipVerify),
		greensens.WithRateLimit(cfg.RateLimit.Every, cfg.RateLimit.Burst),
		greensens.WithRetry(cfg.Retries),
		greensens.WithNotificationLimit(cfg.NotificationLimit),
	)
	if client == nil {
		logger.Fatal("cannot create client", zap.Error(err))
	}
	if err != nil {
		logger.Error("initial fetch failed", zap.Error(err))
	}
	if !client.IsAuthenticated() {
		logger.Warn("not authenticated, will retry on every poll", zap.String("error", client.LastError()))
	}

	sinks := openSinks(ctx, cfg, logger)
	defer sinks.Close()

	if cfg.Listen != "" {
		srv := serveMetrics(cfg.Listen, client, logger)
		defer srv.Shutdown(context.Background())
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var lastNotification, lastRecorded time.Time
	poll := func() {
		logger.Info("fetching data from greensens")
		if !client.IsAuthenticated() {
			if err := client.Authenticate(ctx); err != nil {
				logger.Error("cannot authenticate", zap.Error(err))
				return
			}
		}
		if err := client.Update(ctx); err != nil {
			logger.Error("failed to fetch data", zap.Error(err))
		}

		snap := client.Snapshot()
		if snap.LastError != "OK" {
			logger.Warn("last request failed", zap.String("error", snap.LastError))
		}
		if snap.Taken.After(lastRecorded) {
			m.record(ctx, snap)
			lastRecorded = snap.Taken
		}

		if err := sinks.Write(ctx, snap); err != nil {
			logger.Error("cannot write snapshot", zap.Error(err))
		}

		if err := client.FetchNotifications(ctx); err != nil {
			logger.Error("failed to fetch notifications", zap.Error(err))
			return
		}
		// the client accumulates every response, only log what is newer than before
		newest := lastNotification
		for _, n := range client.Notifications() {
			if n.Date().After(lastNotification) {
				logger.Info("notification", zap.String("text", n.Describe()), zap.String("sensorId", n.SensorID()))
				if n.Date().After(newest) {
					newest = n.Date()
				}
			}
		}
		lastNotification = newest
		m.notifications.Record(ctx, int64(client.NotificationCount()))
	}

	poll()

	for {
		select {
		case <-ticker.C:
			poll()
		case <-ctx.Done():
			return
		}
	}
}

type metrics struct {
	chargeLevel   metric.Int64Gauge
	sensors       metric.Int64Gauge
	hubs          metric.Int64Gauge
	notifications metric.Int64Gauge
	lastReading   metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(
		scope,
		metric.WithInstrumentationAttributes(semconv.OTelScopeName(scope)),
	)

	var m metrics
	var err, e error
	m.chargeLevel, e = meter.Int64Gauge("sensor.charge_level",
		metric.WithUnit("%"),
		metric.WithDescription("Battery charge level of the sensor"),
	)
	err = errors.Join(err, e)
	m.sensors, e = meter.Int64Gauge("account.sensors",
		metric.WithDescription("Number of sensors registered to the account"),
	)
	err = errors.Join(err, e)
	m.hubs, e = meter.Int64Gauge("account.hubs",
		metric.WithDescription("Number of hubs registered to the account"),
	)
	err = errors.Join(err, e)
	m.notifications, e = meter.Int64Gauge("account.notifications",
		metric.WithDescription("Notifications returned by the last notification fetch"),
	)
	err = errors.Join(err, e)
	m.lastReading, e = meter.Float64Histogram("sensor.lastConnection.duration",
		metric.WithDescription("The duration since the sensor last connected."),
		metric.WithUnit("s"),
	)
	err = errors.Join(err, e)

	return &m, err
}

func (m *metrics) record(ctx context.Context, snap greensens.Snapshot) {
	var all, active int64
	for _, hub := range snap.Hubs {
		all += int64(hub.SensorCount(false))
		active += int64(hub.SensorCount(true))

		for _, s := range hub.Sensors(false) {
			attrs := metric.WithAttributes(
				attribute.String("sensor.id", s.ID()),
				attribute.String("sensor.hub", hub.Name()),
				attribute.String("plant.name", s.PlantNameEN()),
			)
			if level, ok := s.ChargeLevel(); ok {
				m.chargeLevel.Record(ctx, int64(level), attrs)
			}
			m.lastReading.Record(ctx, time.Since(s.LastConnection()).Seconds(), attrs)
		}
	}
	m.hubs.Record(ctx, int64(len(snap.Hubs)))
	m.sensors.Record(ctx, all, metric.WithAttributes(attribute.String("state", "all")))
	m.sensors.Record(ctx, active, metric.WithAttributes(attribute.String("state", "active")))
}

// openSinks connects every configured sink. A sink that cannot be reached is
// logged and skipped so that polling still works. The history and cache sinks
// only see snapshots newer than the last one they stored; MQTT also carries
// the account status and gets every poll.
func openSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) sink.Multi {
	var sinks sink.Multi

	if cfg.MQTT.Broker != "" {
		s, err := sink.NewMQTT(cfg.MQTT, logger)
		if err != nil {
			logger.Error("mqtt sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.Timescale.URL != "" {
		s, err := sink.NewTimescale(ctx, cfg.Timescale, logger)
		if err != nil {
			logger.Error("timescale sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, sink.NewFresh(s))
		}
	}

	if cfg.Valkey.Addr != "" {
		s, err := sink.NewValkey(ctx, cfg.Valkey)
		if err != nil {
			logger.Error("valkey sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, sink.NewFresh(s))
		}
	}

	logger.Info("sinks configured", zap.Int("count", len(sinks)))
	return sinks
}

func serveMetrics(addr string, client *greensens.Client, logger *zap.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		exporter.NewCollector(client),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving prometheus metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
