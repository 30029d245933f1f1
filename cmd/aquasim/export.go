package main

import (
	"aquasim/internal/blob"
	"aquasim/internal/export"
	"aquasim/pkg/domain"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
)

func exportCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	runID := fs.String("run", "", "run id to export")
	formats := fs.String("formats", "", "comma separated formats: csv, jsonl (default both)")
	kinds := fs.String("kinds", "", "comma separated fact kinds (default all)")
	prefix := fs.String("prefix", "exports", "blob key prefix")
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
	req := export.Request{RunID: *runID}
	if req.Formats, err = export.ParseFormats(*formats); err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	if *kinds != "" {
		for _, k := range strings.Split(*kinds, ",") {
			req.Kinds = append(req.Kinds, domain.FactKind(strings.TrimSpace(k)))
		}
	}
	store, _, err := openStores(ctx, cfg, false, logger)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	defer store.Close()
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	m, err := export.New(store, blobs, *prefix, logger).Export(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "aquasim: %v\n", err)
		return 1
	}
	for _, a := range m.Artifacts {
		fmt.Fprintf(stdout, "%s\t%d rows\t%d bytes\n", a.Key, a.Rows, a.SizeBytes)
	}
	return 0
}
