package main

import (
	"aquasim/internal/catalog"
	"aquasim/internal/config"
	"aquasim/internal/coordinator"
	"aquasim/internal/memwatch"
	"aquasim/internal/metrics"
	"aquasim/internal/session"
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runFlags struct {
	common
	resume      bool
	dryRun      bool
	workers     int
	cohorts     int
	stagger     int
	start       string
	days        int
	count       int64
	location    string
	runPrefix   string
	maxChunks   int
	workerIndex int
	workerCount int
	metrics     string
	metricsAddr string
}

func (f *runFlags) register(fs *flag.FlagSet) {
	f.common.register(fs)
	fs.BoolVar(&f.resume, "resume", false, "continue every run from its latest checkpoint")
	fs.BoolVar(&f.dryRun, "dry-run", false, "simulate against an in-memory store and discard the result")
	fs.IntVar(&f.workers, "workers", 0, "parallel sessions (default from config)")
	fs.IntVar(&f.cohorts, "cohorts", 1, "number of cohorts, each an independent run")
	fs.IntVar(&f.stagger, "stagger", 0, "days between the start dates of consecutive cohorts")
	fs.StringVar(&f.start, "start", "", "first simulated day, YYYY-MM-DD (default from config)")
	fs.IntVar(&f.days, "days", 0, "simulated horizon in days (default from config)")
	fs.Int64Var(&f.count, "count", 0, "initial cohort size (default from config)")
	fs.StringVar(&f.location, "location", "", "restrict intake to one location")
	fs.StringVar(&f.runPrefix, "run-prefix", "", "run id prefix (default cohort.name_prefix)")
	fs.IntVar(&f.maxChunks, "max-chunks", 0, "stop each run after this many chunks")
	fs.IntVar(&f.workerIndex, "worker-index", 0, "index of this process among worker-count processes")
	fs.IntVar(&f.workerCount, "worker-count", 1, "number of cooperating processes")
	fs.StringVar(&f.metrics, "metrics", "prometheus", "metrics backend: prometheus, expvar or none")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /debug/vars on this address")
}

// apply folds the flag overrides into cfg and revalidates it.
func (f *runFlags) apply(cfg *config.Config) error {
	if f.start != "" {
		t, err := time.Parse(time.DateOnly, f.start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		cfg.StartDate = config.Date{Time: t.UTC()}
	}
	if f.days > 0 {
		cfg.Days = f.days
	}
	if f.count > 0 {
		cfg.Cohort.Count = f.count
	}
	if f.location != "" {
		cfg.Cohort.Location = f.location
	}
	if f.workers > 0 {
		cfg.Coordinator.Workers = f.workers
	}
	if f.runPrefix == "" {
		f.runPrefix = cfg.Cohort.NamePrefix
	}
	if f.cohorts <= 0 {
		return errors.New("cohorts must be positive")
	}
	return cfg.Validate()
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f runFlags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, logger, err := f.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	if err := f.apply(&cfg); err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	if err := execute(ctx, cfg, f, logger, stdout); err != nil {
		logger.Error("run failed", "err", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg config.Config, f runFlags, logger *slog.Logger, stdout io.Writer) error {
	store, cps, err := openStores(ctx, cfg, f.dryRun, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("close store", "err", cerr)
		}
	}()
	containers, err := catalog.Resolve(cfg)
	if err != nil {
		return err
	}
	rec, stopMetrics, err := startMetrics(f.metrics, f.metricsAddr, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	coord, err := coordinator.New(coordinator.Deps{
		Config:      cfg,
		Store:       store,
		Containers:  containers,
		Checkpoints: cps,
		NewMemory: func() session.MemoryGuard {
			return memwatch.New(cfg.Memory.HighWaterBytes(), cfg.Memory.CriticalBytes(), logger)
		},
		Metrics:   rec,
		Logger:    logger,
		Resume:    f.resume,
		MaxChunks: f.maxChunks,
	})
	if err != nil {
		return err
	}
	plans := coordinator.Plans(cfg, f.runPrefix, f.cohorts, f.stagger)
	logger.Info("starting", "cohorts", len(plans), "workers", cfg.Coordinator.Workers,
		"store", cfg.Store.Driver, "dry_run", f.dryRun, "start", cfg.StartDay().Format(time.DateOnly), "days", cfg.Days)
	results, runErr := coord.RunSlice(ctx, plans, f.workerIndex, f.workerCount)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPOOL\tATTEMPTS\tDAYS\tLAST\tFACTS\tMORTALITY\tHARVESTED\tSTATUS")
	for _, r := range results {
		status := "paused"
		switch {
		case r.Err != nil:
			status = "failed"
		case r.Report.Complete:
			status = "complete"
		case r.Attempts == 0:
			status = "cancelled"
		}
		c := r.Report.Counters
		last := "-"
		if !r.Report.Last.IsZero() {
			last = r.Report.Last.Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\t%d\t%d\t%s\n", r.Plan.RunID, r.Pool, r.Attempts, c.Days, last,
			c.TotalFacts(), c.Mortality, c.Harvested, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return runErr
}

// startMetrics returns the recorder for backend and, when addr is set, serves
// it over HTTP until the returned stop function is called.
func startMetrics(backend, addr string, logger *slog.Logger) (metrics.Recorder, func(), error) {
	mux := http.NewServeMux()
	var rec metrics.Recorder
	switch backend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		p, err := metrics.NewPrometheus(reg)
		if err != nil {
			return nil, nil, err
		}
		rec = p
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	case "expvar":
		rec = metrics.NewExpvar("")
	case "none", "":
		rec = metrics.Noop{}
	default:
		return nil, nil, fmt.Errorf("metrics backend %q: want prometheus, expvar or none", backend)
	}
	mux.Handle("/debug/vars", expvar.Handler())
	if addr == "" {
		return rec, func() {}, nil
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr, "backend", backend)
	return rec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
