package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/INLOpen/nexusseis/config"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/indexfile"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/INLOpen/nexusseis/replica"
	"github.com/INLOpen/nexusseis/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel/trace"
)

type inspectOptions struct {
	dir     string
	key     core.Key
	chains  bool
	replica bool
	metrics bool
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	dir := flag.String("dir", "", "Directory holding the files (defaults to storage.data_dir, or storage.replica_dir with -replica)")
	day := flag.Int("day", 0, "Julian day of the storage unit, e.g. 2024100 (required)")
	node := flag.String("node", "", "Source node of the storage unit (required)")
	chains := flag.Bool("chains", false, "Print each channel's index block chain")
	replicaMode := flag.Bool("replica", false, "Inspect the replica files and print unconfirmed blocks")
	printMetrics := flag.Bool("metrics", false, "Print the process metrics after inspecting")
	flag.Parse()

	if *day == 0 || *node == "" {
		fmt.Println("Usage: msinspect -day <julian_day> -node <node> [-dir <path>] [-chains] [-replica]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx := context.Background()
	tp, tracerCleanup, err := telemetry.NewTracerProvider(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	opts := inspectOptions{
		dir:     *dir,
		key:     core.Key{JulianDay: int32(*day), Node: *node},
		chains:  *chains,
		replica: *replicaMode,
		metrics: *printMetrics,
	}
	if opts.dir == "" {
		opts.dir = cfg.Storage.DataDir
		if opts.replica {
			opts.dir = cfg.Storage.ReplicaDir
		}
	}
	if err := run(ctx, opts, os.Stdout, logger, tp); err != nil {
		logger.Error("Inspection failed", "key", opts.key.String(), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts inspectOptions, w io.Writer, logger *slog.Logger, tp trace.TracerProvider) error {
	if err := opts.key.Validate(); err != nil {
		return err
	}
	if opts.dir == "" {
		return fmt.Errorf("no directory given and none configured")
	}
	inspect := inspectPrimary
	if opts.replica {
		inspect = inspectReplica
	}
	if err := inspect(ctx, opts, w, logger, tp); err != nil {
		return err
	}
	if opts.metrics {
		return writeMetrics(w)
	}
	return nil
}

// writeMetrics prints every collector in the Prometheus text format.
func writeMetrics(w io.Writer) error {
	reg := prometheus.NewRegistry()
	for _, c := range metrics.PrometheusCollectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func inspectPrimary(ctx context.Context, opts inspectOptions, w io.Writer, logger *slog.Logger, tp trace.TracerProvider) error {
	// A nil registry keeps this handle out of any running store.
	f, err := indexfile.Open(ctx, opts.key, indexfile.Options{
		Dir:            opts.dir,
		ReadOnly:       true,
		Logger:         logger,
		TracerProvider: tp,
	})
	if err != nil {
		return err
	}
	defer func() { <-f.Close() }()

	ctl := f.Control()
	st := f.Stats()
	fmt.Fprintf(w, "unit %s (%s)\n", opts.key, opts.dir)
	fmt.Fprintf(w, "length %d blocks, next extent %d, next index %d, master blocks %v\n",
		st.Length, ctl.NextExtent, ctl.NextIndex, ctl.ActiveMasterBlocks())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tFIRST\tLAST")
	channels := f.Channels()
	for _, e := range channels {
		fmt.Fprintf(tw, "%q\t%d\t%d\n", e.Channel, e.First, e.Last)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d channels\n", len(channels))

	if !opts.chains {
		return nil
	}
	for _, e := range channels {
		pages, err := f.Chain(e.Channel)
		if err != nil {
			return fmt.Errorf("chain of %q: %w", e.Channel, err)
		}
		extents, used := 0, 0
		blocks := make([]string, 0, len(pages))
		for _, p := range pages {
			extents += p.Page.ExtentCount()
			used += p.Page.UsedBlocks()
			blocks = append(blocks, fmt.Sprint(p.Block))
		}
		fmt.Fprintf(w, "%q: %d index blocks [%s], %d extents, %d blocks used\n",
			e.Channel, len(pages), strings.Join(blocks, " "), extents, used)
	}
	return nil
}

func inspectReplica(ctx context.Context, opts inspectOptions, w io.Writer, logger *slog.Logger, tp trace.TracerProvider) error {
	r, err := replica.Open(ctx, opts.key, replica.Options{
		Dir:            opts.dir,
		ReadOnly:       true,
		Logger:         logger,
		TracerProvider: tp,
	})
	if err != nil {
		return err
	}
	defer func() { <-r.Close() }()

	st := r.Stats()
	fmt.Fprintf(w, "replica %s (%s)\n", opts.key, opts.dir)
	fmt.Fprintf(w, "highwater %d, next extent %d, next index %d, open check blocks %d\n",
		st.Highwater, st.NextExtent, st.NextIndex, st.CheckBlocks)
	gaps := r.Gaps()
	for _, g := range gaps {
		fmt.Fprintln(w, g.String())
	}
	fmt.Fprintf(w, "%d index blocks with unconfirmed data\n", len(gaps))
	return nil
}
