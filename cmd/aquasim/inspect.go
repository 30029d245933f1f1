package main

import (
	"aquasim/internal/catalog"
	"aquasim/internal/coordinator"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

func partitionCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("partition", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	workers := fs.Int("workers", 0, "number of pools (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, _, err := c.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	n := cfg.Coordinator.Workers
	if *workers > 0 {
		n = *workers
	}
	containers, err := catalog.Resolve(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	for i, pool := range coordinator.Partition(containers, n) {
		var capacity int64
		ids := make([]string, len(pool))
		for j, ct := range pool {
			ids[j] = ct.ID
			capacity += ct.Capacity
		}
		fmt.Fprintf(stdout, "pool %d (%d containers, capacity %d): %s\n", i, len(pool), capacity, strings.Join(ids, " "))
	}
	return 0
}

func checkpointsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	runID := fs.String("run", "", "run id to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *runID == "" {
		fmt.Fprintln(stderr, "aquasim: -run is required")
		return 2
	}
	cfg, logger, err := c.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	store, cps, err := openStores(ctx, cfg, false, logger)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	defer store.Close()
	infos, err := cps.List(ctx, *runID)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	if len(infos) == 0 {
		fmt.Fprintf(stdout, "no checkpoints for %s\n", *runID)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQUENCE\tDATE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%s\n", info.Sequence, info.Date.Format(time.DateOnly))
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}
