package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vyvo/hairstyle-transfer/pkg/bootstrap"
	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/pipeline"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
	"github.com/vyvo/hairstyle-transfer/pkg/telemetry"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitTimeout = 3
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transfer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		clientPath    = fs.String("client", "", "client photo (required)")
		referencePath = fs.String("reference", "", "reference hairstyle photo (required)")
		style         = fs.String("style", "", "sketch style: "+styleNames())
		offlineMode   = fs.Bool("offline", false, "run every stage on local image operations")
		out           = fs.String("out", "result.jpg", "where to write the result in offline mode")
		timeout       = fs.Duration("timeout", 10*time.Minute, "overall time limit")
		asJSON        = fs.Bool("json", false, "print the run record as JSON")
		verbose       = fs.Bool("v", false, "log pipeline progress to stderr")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *clientPath == "" || *referencePath == "" {
		fmt.Fprintln(stderr, "Error: -client and -reference are required")
		fs.Usage()
		return exitUsage
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadPipeline()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	if *offlineMode {
		cfg.Mode = config.ModeOffline
	}

	shutdownTracer := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Tracing)
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	services, err := bootstrap.Build(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	defer services.Close()

	client, err := readPhoto(*clientPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	reference, err := readPhoto(*referencePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	result, err := services.Orchestrator.Execute(ctx, pipeline.Request{Client: client, Reference: reference, Style: *style})
	if err != nil {
		pe, ok := pipeline.AsPipelineError(err)
		if !ok {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitFailed
		}
		fmt.Fprintln(stderr, pe.Summary())
		fmt.Fprintf(stderr, "run %s, %d attempt(s)\n", pe.RunID, pe.Attempts)
		if pe.Kind() == failure.KindPollTimeout {
			return exitTimeout
		}
		return exitFailed
	}

	finalURL := result.FinalResultURL
	if services.Memory != nil && storage.IsMemoryURL(finalURL) {
		data, _, err := services.Memory.Get(finalURL)
		if err != nil {
			fmt.Fprintf(stderr, "Error: read offline result: %v\n", err)
			return exitFailed
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: write %s: %v\n", *out, err)
			return exitFailed
		}
		abs, _ := filepath.Abs(*out)
		finalURL = "file://" + abs
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		snap := result.Snapshot()
		snap.FinalResultURL = finalURL
		_ = enc.Encode(snap)
		return exitOK
	}
	fmt.Fprintln(stdout, finalURL)
	return exitOK
}

func readPhoto(path string) (pipeline.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("read %s: %w", path, err)
	}
	return pipeline.Image{Data: data, ContentType: storage.ContentTypeForExt(filepath.Ext(path))}, nil
}

func styleNames() string {
	names := make([]string, 0, len(stage.Styles()))
	for _, s := range stage.Styles() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ") + " (default " + string(stage.DefaultStyle) + ")"
}
