package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/openbracket/openbracket/pkg/analytics"
	"github.com/openbracket/openbracket/pkg/async"
	"github.com/openbracket/openbracket/pkg/cache"
	"github.com/openbracket/openbracket/pkg/config"
	"github.com/openbracket/openbracket/pkg/insights"
	"github.com/openbracket/openbracket/pkg/observability"
	"github.com/openbracket/openbracket/pkg/reports"
	"github.com/openbracket/openbracket/pkg/storage"
)

var (
	runOnce         = flag.Bool("run-once", false, "Run aggregation once and exit (for testing or backfilling)")
	runPeriod       = flag.String("period", "month", "Period type to aggregate with --run-once (day/week/month/quarter/year)")
	aggregationDate = flag.String("date", "", "Date to aggregate (YYYY-MM-DD). If empty, aggregates yesterday. Only used with --run-once")
	webhookURL      = flag.String("report-webhook-url", os.Getenv("OB_REPORT_WEBHOOK_URL"), "Endpoint receiving rendered report payloads for delivery")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Observability.LogLevel == observability.DebugLevel {
		log.SetLevel(logrus.DebugLevel)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	db, err := storage.Connect(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()
	log.Info("database connected")
	go samplePoolStats(db, metrics)

	var cacheClient *cache.Client
	if cfg.Storage.CacheEnabled {
		cacheClient, err = cache.NewClient(cfg.Storage, logger, metrics)
		if err != nil {
			// The cache fails open everywhere else too; a worker without a
			// cache just recomputes.
			log.WithError(err).Warn("cache unavailable, continuing without it")
		} else {
			defer cacheClient.Close()
			log.Info("cache connected")
		}
	}

	store := analytics.NewStore(db, logger)
	aggregator := analytics.NewAggregator(store, logger, metrics)
	svc := insights.NewService(store, cacheClient, logger, metrics)

	reportStore := reports.NewStore(db, logger)
	runner := reports.NewRunner(reportStore, svc,
		&payloadExporter{},
		&webhookMailer{url: *webhookURL},
		reports.RetryPolicy{MaxAttempts: cfg.Reports.MaxAttempts, InitialDelay: cfg.Reports.InitialDelay},
		logger, metrics)

	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: ":" + cfg.Observability.MetricsPort, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		log.WithField("port", cfg.Observability.MetricsPort).Info("metrics server started")
	}

	if *runOnce {
		date := time.Now().UTC().AddDate(0, 0, -1)
		if *aggregationDate != "" {
			date, err = time.Parse("2006-01-02", *aggregationDate)
			if err != nil {
				log.WithError(err).Fatal("invalid date format")
			}
		}
		periodType := analytics.PeriodType(strings.ToLower(*runPeriod))
		if !periodType.Valid() {
			log.WithField("period", *runPeriod).Fatal("invalid period type")
		}

		log.WithFields(logrus.Fields{
			"period": periodType,
			"date":   date.Format("2006-01-02"),
		}).Info("running one-off aggregation")
		if err := runAggregation(context.Background(), cfg, aggregator, svc, store, log, periodType, date); err != nil {
			log.WithError(err).Fatal("aggregation failed")
		}
		log.Info("aggregation completed")
		return
	}

	c := cron.New()

	schedule := func(name, spec string, job func()) {
		if _, err := c.AddFunc(spec, job); err != nil {
			log.WithError(err).WithField("job", name).Fatal("failed to schedule job")
		}
		log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("job scheduled")
	}

	schedule("daily aggregation", cfg.Aggregation.DailySchedule, func() {
		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		runScheduled(cfg, aggregator, svc, store, log, analytics.PeriodDay, yesterday)
	})
	schedule("weekly aggregation", cfg.Aggregation.WeeklySchedule, func() {
		lastWeek := time.Now().UTC().AddDate(0, 0, -7)
		runScheduled(cfg, aggregator, svc, store, log, analytics.PeriodWeek, lastWeek)
	})
	schedule("monthly aggregation", cfg.Aggregation.MonthlySchedule, func() {
		lastMonth := analytics.NormalizeToMonth(time.Now().UTC()).AddDate(0, -1, 0)
		runScheduled(cfg, aggregator, svc, store, log, analytics.PeriodMonth, lastMonth)
	})
	schedule("report runner", cfg.Aggregation.ReportSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := runner.RunDueReports(observability.WithLogger(ctx, logger)); err != nil {
			log.WithError(err).Error("report run failed")
		}
	})

	c.Start()
	log.Info("openbracket aggregator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down gracefully")

	<-c.Stop().Done()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	log.Info("aggregator stopped")
}

func runScheduled(cfg *config.Config, aggregator *analytics.Aggregator, svc *insights.Service, store *analytics.Store, log *logrus.Logger, periodType analytics.PeriodType, date time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if err := runAggregation(ctx, cfg, aggregator, svc, store, log, periodType, date); err != nil {
		log.WithError(err).WithField("period", periodType).Error("scheduled aggregation failed")
	}
}

// runAggregation runs the pipeline across all tenants, then invalidates and
// re-warms each tenant's cached queries so readers see the fresh aggregates.
func runAggregation(ctx context.Context, cfg *config.Config, aggregator *analytics.Aggregator, svc *insights.Service, store *analytics.Store, log *logrus.Logger, periodType analytics.PeriodType, date time.Time) error {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx = observability.WithLogger(ctx, logger)

	errs, err := aggregator.AggregateAllTenants(ctx, periodType, date,
		cfg.Aggregation.TenantWorkers, cfg.Aggregation.TenantTimeout)
	if err != nil {
		return err
	}
	for _, taskErr := range errs {
		log.WithError(taskErr.Err).WithField("tenant_id", taskErr.Item).Error("tenant aggregation failed")
	}

	tenantIDs, err := store.ListTenantIDs(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenantIDs {
		if err := svc.InvalidateTenant(ctx, tenantID); err != nil {
			log.WithError(err).WithField("tenant_id", tenantID).Warn("cache invalidation failed")
		}
		tenantID := tenantID
		async.SafeGo(ctx, time.Minute, "cache warm", func(ctx context.Context) error {
			svc.WarmCache(observability.WithTenantID(ctx, tenantID), tenantID)
			return nil
		})
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d tenants failed aggregation", len(errs), len(tenantIDs))
	}
	return nil
}

// samplePoolStats keeps the connection pool gauges current for the lifetime
// of the process.
func samplePoolStats(db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.ObserveDBPool(db.Stats())
	}
}

// payloadExporter renders the structured analytics payload as JSON. File
// formats (PDF/CSV) are rendered by the delivery endpoint; this process only
// ships the data.
type payloadExporter struct{}

func (e *payloadExporter) Render(_ context.Context, report *reports.ScheduledReport, data *reports.ReportData) ([]byte, error) {
	return json.MarshalIndent(struct {
		Report string               `json:"report"`
		Format reports.ReportFormat `json:"format"`
		Data   *reports.ReportData  `json:"data"`
	}{Report: report.Name, Format: report.Format, Data: data}, "", "  ")
}

// webhookMailer hands rendered reports to the delivery service over HTTP.
type webhookMailer struct {
	url    string
	client http.Client
}

func (m *webhookMailer) Send(ctx context.Context, report *reports.ScheduledReport, content []byte) error {
	if m.url == "" {
		return fmt.Errorf("no delivery endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Report-Recipients", strings.Join(report.Recipients, ","))

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("delivery endpoint returned %d", resp.StatusCode)
	}
	return nil
}
