package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"doc2long/internal/config"
	"doc2long/internal/converter"
	"doc2long/internal/diagnostics"
	"doc2long/internal/manager"
	"doc2long/internal/models"
	"doc2long/internal/publish"
	"doc2long/internal/registry"
	"doc2long/internal/resource"
	"doc2long/internal/security"
	"doc2long/internal/storage"
	"doc2long/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	startTime := time.Now()

	fs := pflag.NewFlagSet("doc2long", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	recursive := fs.BoolP("recursive", "r", true, "descend into directories given as arguments")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: doc2long [flags] FILE|DIR...\n\nConverts documents into one long image per document.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	log := newLogger(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := newRouter(cfg, log)
	log.Debug().Strs("intermediate_formats", router.Extensions()).Msg("converters registered")
	files, err := discoverFiles(fs.Args(), *recursive, router)
	if err != nil {
		log.Error().Err(err).Msg("failed to collect input files")
		return 2
	}
	if len(files) == 0 {
		fs.Usage()
		return 2
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to open output store")
		return 1
	}

	workDir := cfg.IntermediateDir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "doc2long-")
		if err != nil {
			log.Error().Err(err).Msg("failed to create scratch directory")
			return 1
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	params := cfg.Params()
	local := converter.NewLocal(converter.Options{
		PdfInfo:     cfg.Tools.PdfInfo,
		PdfToPPM:    cfg.Tools.PdfToPPM,
		WorkDir:     workDir,
		Store:       store,
		Scanner:     security.NewScanner(cfg.Security.Scan, cfg.Security.ClamdAddress, log),
		Convertible: router.Supports,
		Logger:      log,
	})

	pipeline := worker.New(worker.Options{
		Converter:         local,
		Intermediate:      router,
		Params:            params,
		WorkDir:           workDir,
		AssumedConversion: cfg.Progress.AssumedConversion,
		EstimateInterval:  cfg.Progress.EstimateInterval,
		Logger:            log,
	})

	collector, err := diagnostics.NewCollector(cfg.LogDir, params, []diagnostics.Tool{
		{Name: cfg.Tools.PdfToPPM, Args: []string{"-v"}},
		{Name: cfg.Tools.PdfInfo, Args: []string{"-v"}},
		{Name: cfg.Tools.LibreOffice, Args: []string{"--version"}},
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to set up diagnostics")
		return 1
	}

	sched := manager.New(registry.New(), pipeline, manager.Options{
		Workers:          cfg.Workers,
		Reporter:         collector,
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		Logger:           log,
	})
	defer sched.Close()

	if cfg.Autoscale.Enabled {
		resource.NewAutoscaler(sched, resource.Options{
			MinWorkers:   cfg.Autoscale.MinWorkers,
			MaxWorkers:   cfg.Autoscale.MaxWorkers,
			TargetMemory: cfg.Autoscale.TargetMemory,
			Interval:     cfg.Autoscale.Interval,
			Logger:       log,
		}).Start(ctx)
	}

	if cfg.Kafka.Enabled {
		exporter := publish.NewExporter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer exporter.Close()
		sub := sched.Subscribe()
		defer sub.Unsubscribe()
		go exporter.Run(ctx, sub.C)
	}

	if cfg.Verbose {
		stopMonitor := diagnostics.StartMonitor(startTime, 30*time.Second, log)
		defer close(stopMonitor)
	}

	for _, f := range files {
		if _, err := sched.Submit(f); err != nil {
			log.Warn().Err(err).Str("file", f).Msg("skipping file")
		}
	}

	fmt.Printf("doc2long: %d file(s), %d worker(s), output %s\n", len(files), cfg.Workers, cfg.OutputDir)

	bar := newBar(sched.List())
	sub := sched.Subscribe()
	barDone := make(chan struct{})
	go func() {
		defer close(barDone)
		trackBar(bar, sub.C)
	}()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			log.Warn().Msg("interrupted, cancelling tasks")
			sched.CancelAll()
		case <-finished:
		}
	}()

	if err := sched.StartAll(); err != nil {
		log.Error().Err(err).Msg("failed to start tasks")
		return 1
	}
	_ = sched.Wait(context.Background())

	for attempt := 1; attempt <= cfg.Retries && ctx.Err() == nil; attempt++ {
		var retried int
		for _, t := range sched.List() {
			if t.Status != models.StatusFailed {
				continue
			}
			if err := sched.Retry(t.ID); err != nil {
				continue
			}
			if err := sched.Start(t.ID); err == nil {
				retried++
			}
		}
		if retried == 0 {
			break
		}
		log.Info().Int("attempt", attempt).Int("tasks", retried).Msg("retrying failed tasks")
		_ = sched.Wait(context.Background())
	}

	sub.Unsubscribe()
	<-barDone
	_ = bar.Finish()

	return summarize(sched, time.Since(startTime), ctx.Err() != nil)
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func newRouter(cfg *config.Config, log zerolog.Logger) *converter.Router {
	router := converter.NewRouter()
	router.Register(&converter.Office{Binary: cfg.Tools.LibreOffice}, converter.OfficeExtensions...)
	router.Register(converter.Text{}, ".txt")
	router.Register(&converter.HTML{}, ".html", ".htm")
	router.Register(&converter.Mail{Logger: log}, ".eml")
	return router
}

func newStore(ctx context.Context, cfg *config.Config) (converter.Store, error) {
	if cfg.Storage.Backend == "s3" {
		bucket, err := storage.NewBucket(ctx, storage.BucketOptions{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return bucket, nil
	}

	dir, err := storage.NewDir(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// discoverFiles expands directory arguments into the supported files below
// them. Plain file arguments are kept as given so unsupported ones fail
// visibly as tasks.
func discoverFiles(args []string, recursive bool, router *converter.Router) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			files = append(files, arg)
			continue
		}

		err = filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if !recursive && path != arg {
					return filepath.SkipDir
				}
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".pdf" || router.Supports(ext) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func newBar(tasks []models.Task) *progressbar.ProgressBar {
	return progressbar.NewOptions(len(tasks),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Converting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// trackBar advances the bar once per task reaching a final state and shows
// the latest step in the description.
func trackBar(bar *progressbar.ProgressBar, events <-chan models.ProgressEvent) {
	done := map[string]bool{}
	for ev := range events {
		switch {
		case ev.Status == models.StatusPending:
			// retried: it will finish again
			if done[ev.TaskID] {
				delete(done, ev.TaskID)
				_ = bar.Add(-1)
			}
		case ev.Status.Finished() && !done[ev.TaskID]:
			done[ev.TaskID] = true
			_ = bar.Add(1)
		case ev.Step != "":
			bar.Describe(fmt.Sprintf("%-26s %5.1f%%", ev.Step, ev.Percent))
		}
	}
}

func summarize(sched *manager.Scheduler, elapsed time.Duration, interrupted bool) int {
	st := sched.Stats()

	fmt.Printf("\nProcessing completed in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Completed: %d\n", st.Completed)
	fmt.Printf("Failed: %d\n", st.Failed)
	if st.Cancelled > 0 || st.Pending > 0 {
		fmt.Printf("Cancelled: %d, not started: %d\n", st.Cancelled, st.Pending)
	}

	var failed []models.Task
	for _, t := range sched.List() {
		if t.Status == models.StatusFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		fmt.Printf("\nFailed to convert %d file(s):\n", len(failed))
		for i, t := range failed {
			if i == 10 {
				fmt.Printf("  - ... and %d more\n", len(failed)-10)
				break
			}
			if t.Error == nil {
				fmt.Printf("  - %s\n", t.SourceRef)
				continue
			}
			fmt.Printf("  - %s: %s\n", t.SourceRef, t.Error.Summary)
			if t.Error.DiagnosticRef != "" {
				fmt.Printf("    report: %s\n", t.Error.DiagnosticRef)
			}
		}
	}

	switch {
	case interrupted:
		return 130
	case st.Failed > 0:
		return 1
	}
	return 0
}
