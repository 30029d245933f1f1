// Command aquasim generates assignment-centric aquaculture histories.
//
//	aquasim run         simulate one or more cohorts, checkpointing as it goes
//	aquasim partition   print the container pools parallel workers would use
//	aquasim checkpoints list the checkpoints stored for a run
//	aquasim export      write the facts of a run to blob storage
package main

import (
	"aquasim/internal/blob"
	"aquasim/internal/checkpoint"
	"aquasim/internal/config"
	"aquasim/internal/core"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/pkg/domain"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

const usage = `usage: aquasim <command> [flags]

commands:
  run          simulate cohorts over the configured horizon
  partition    print worker container pools
  checkpoints  list stored checkpoints of a run
  export       write the facts of a run as csv or jsonl blobs
`

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:], stdout, stderr)
	case "partition":
		return partitionCommand(args[1:], stdout, stderr)
	case "checkpoints":
		return checkpointsCommand(ctx, args[1:], stdout, stderr)
	case "export":
		return exportCommand(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	}
	fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
	return 2
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "configuration file layered over the defaults")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (default from config)")
	fs.StringVar(&c.logFormat, "log-format", "", "text or json (default from config)")
}

// load reads the configuration and builds the logger it asks for. Flags win
// over the file and the environment.
func (c *common) load(stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}
	logger, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.Logging, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	case "", "text":
		f, ok := w.(*os.File)
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !ok || f != os.Stderr,
		})), nil
	}
	return nil, fmt.Errorf("log format %q: want text or json", cfg.Format)
}

// openStores opens the durable store and the checkpointer. A dry run keeps
// everything in memory.
func openStores(ctx context.Context, cfg config.Config, dryRun bool, logger *slog.Logger) (domain.PersistentStore, checkpoint.Checkpointer, error) {
	engine := core.NewDefaultRulesEngine(cfg)
	if dryRun {
		store := memory.NewStore(engine)
		return store, checkpoint.NewStore(store), nil
	}
	store, err := core.OpenPersistentStore(cfg.Store, engine)
	if err != nil {
		return nil, nil, err
	}
	var blobs blob.Store
	if cfg.Checkpoint.Driver == config.CheckpointBlob || cfg.Checkpoint.Driver == config.CheckpointMirror {
		if blobs, err = blob.Open(ctx, cfg.Blob); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
	}
	cps, err := checkpoint.New(cfg.Checkpoint, store, blobs, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, cps, nil
}
