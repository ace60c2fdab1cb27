// Command update-mirror keeps a site's update checks working while the
// primary update API is unreachable, by resolving them against a mirror.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/update-mirror/config"
	"github.com/wolfeidau/update-mirror/credentials"
	"github.com/wolfeidau/update-mirror/credentials/opprovider"
	"github.com/wolfeidau/update-mirror/engine"
	"github.com/wolfeidau/update-mirror/inventory"
	"github.com/wolfeidau/update-mirror/server"
	"github.com/wolfeidau/update-mirror/store"
	"github.com/wolfeidau/update-mirror/store/filestore"
	"github.com/wolfeidau/update-mirror/store/metadb"
	"github.com/wolfeidau/update-mirror/store/redisdb"
	"github.com/wolfeidau/update-mirror/telemetry"
	"github.com/wolfeidau/update-mirror/update"
)

var version = "dev"

// Globals are flags shared by every command. Non-empty values override the
// file and environment configuration.
type Globals struct {
	Config    string `help:"Path to a YAML config file." short:"c" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`
	MirrorURL string `help:"Mirror base URL." name:"mirror-url"`

	cfg    *config.Config
	logger *slog.Logger
}

type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP sidecar and the health watchdog."`
	Check    CheckCmd    `cmd:"" help:"Resolve a record set against the mirror and print the result."`
	Merge    MergeCmd    `cmd:"" help:"Replay the persisted snapshot into a record set."`
	Health   HealthCmd   `cmd:"" help:"Run one health evaluation."`
	Status   StatusCmd   `cmd:"" help:"Print engine and health status."`
	Teardown TeardownCmd `cmd:"" help:"Remove all persisted state and disable the mechanism."`
	Enable   EnableCmd   `cmd:"" help:"Clear a watchdog deactivation so the mechanism runs again."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("update-mirror"),
		kong.Description("Mirror-backed update checks."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if err := cli.Globals.init(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) init() error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.MirrorURL != "" {
		cfg.Mirror.URL = g.MirrorURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.CredentialsFile != "" {
		r := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(),
		)
		creds, err := r.ResolveFile(context.Background(), cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
		cfg.ApplyCredentials(creds)
	}

	g.cfg = cfg
	g.logger = logger
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.OptionStore, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return redisdb.Dial(ctx, cfg.RedisURL,
			redisdb.WithPrefix(cfg.Prefix+":"),
			redisdb.WithLogger(logger),
		)
	case config.DriverFile:
		return filestore.New(cfg.Dir)
	default:
		return metadb.Open(cfg.Path,
			metadb.WithNamespace(cfg.Prefix),
			metadb.WithLogger(logger),
		)
	}
}

// openEngine builds an engine over the configured store, or over memory
// when ephemeral is set. The returned close func releases both.
func (g *Globals) openEngine(ctx context.Context, ephemeral bool) (*engine.Engine, func(), error) {
	var (
		options store.OptionStore
		err     error
	)
	if ephemeral {
		options = store.NewMemory()
	} else {
		options, err = openStore(ctx, g.cfg.Store, g.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}
	}

	ecfg := g.cfg.Engine()
	ecfg.Logger = g.logger

	eng, err := engine.New(ctx, options, ecfg,
		engine.WithInventory(inventory.New(g.cfg.Inventory.ContentDir, inventory.WithLogger(g.logger))),
	)
	if err != nil {
		_ = options.Close()
		return nil, nil, fmt.Errorf("creating engine: %w", err)
	}

	return eng, func() {
		_ = eng.Close()
		_ = options.Close()
	}, nil
}

type ServeCmd struct {
	Address string `help:"Address to listen on." short:"a"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "update-mirror",
		ServiceVersion:   version,
		OTLPEndpoint:     g.cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: g.cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	eng, closeEngine, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	address := g.cfg.Server.Address
	if c.Address != "" {
		address = c.Address
	}

	srv, err := server.New(eng, server.Config{
		Address:   address,
		AuthToken: g.cfg.Server.AuthToken,
		Logger:    g.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	g.logger.Info("server started",
		"address", srv.Address(),
		"mirror_url", g.cfg.Mirror.URL,
		"store", g.cfg.Store.Driver,
	)

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type CheckCmd struct {
	Category  string `arg:"" enum:"core,plugins,themes" help:"Category to resolve (core, plugins, themes)."`
	Input     string `help:"Record set JSON file; reads stdin when empty or '-'." short:"i" type:"path"`
	Ephemeral bool   `help:"Use an in-memory store instead of the configured one."`
}

func (c *CheckCmd) Run(g *Globals) error {
	ctx := context.Background()

	category, err := update.ParseCategory(c.Category)
	if err != nil {
		return err
	}

	rs, err := readRecordSet(c.Input)
	if err != nil {
		return err
	}

	eng, closeEngine, err := g.openEngine(ctx, c.Ephemeral)
	if err != nil {
		return err
	}
	defer closeEngine()

	out, err := eng.Check(ctx, category, rs, nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

type MergeCmd struct {
	Category string `arg:"" enum:"core,plugins,themes" help:"Category to merge (core, plugins, themes)."`
	Input    string `help:"Record set JSON file; reads stdin when empty or '-'." short:"i" type:"path"`
}

func (c *MergeCmd) Run(g *Globals) error {
	ctx := context.Background()

	category, err := update.ParseCategory(c.Category)
	if err != nil {
		return err
	}

	rs, err := readRecordSet(c.Input)
	if err != nil {
		return err
	}

	eng, closeEngine, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	return printJSON(eng.Merge(ctx, category, rs))
}

type HealthCmd struct{}

func (c *HealthCmd) Run(g *Globals) error {
	ctx := context.Background()

	eng, closeEngine, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	state := eng.CheckHealth(ctx)
	fmt.Println(state)
	return nil
}

type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	ctx := context.Background()

	eng, closeEngine, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	st, err := eng.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

type TeardownCmd struct{}

func (c *TeardownCmd) Run(g *Globals) error {
	ctx := context.Background()

	eng, closeEngine, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := eng.Teardown(ctx); err != nil {
		return err
	}
	g.logger.Info("teardown complete", "name", g.cfg.Name)
	return nil
}

type EnableCmd struct{}

func (c *EnableCmd) Run(g *Globals) error {
	ctx := context.Background()

	eng, closeEngine, err := g.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := eng.Enable(ctx); err != nil {
		return err
	}
	g.logger.Info("mechanism enabled", "name", g.cfg.Name)
	return nil
}

func readRecordSet(path string) (*update.RecordSet, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var rs *update.RecordSet
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding record set: %w", err)
	}
	return rs, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
