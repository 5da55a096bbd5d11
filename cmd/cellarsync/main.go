package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/cellar"
	"github.com/briangreenhill/cellarsync/credential"
	"github.com/briangreenhill/cellarsync/entity"
	"github.com/briangreenhill/cellarsync/internal/commands"
	"github.com/briangreenhill/cellarsync/internal/config"
	"github.com/briangreenhill/cellarsync/internal/logging"
	"github.com/briangreenhill/cellarsync/mutation"
	"github.com/briangreenhill/cellarsync/query"
	"github.com/briangreenhill/cellarsync/transport"
)

const version = "cellarsync v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runCLI(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, commands.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	registry := commands.Default()

	fs := flag.NewFlagSet("cellarsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default ~/.config/cellarsync/config.toml)")
	fs.Usage = func() {
		registry.Usage(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", commands.ErrUsage, err)
	}
	args = fs.Args()

	if len(args) == 0 {
		registry.Usage(stdout)
		return nil
	}
	switch args[0] {
	case "help", "--help", "-h":
		registry.Usage(stdout)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "cellarsync",
		Out:       stderr,
	})

	// setup repairs the config, so it runs without a client built from it.
	if args[0] == "setup" {
		env := &commands.Env{
			Config:     cfg,
			ConfigPath: *configPath,
			In:         stdin,
			Out:        stdout,
			Logger:     logger,
		}
		return registry.Run(ctx, env, args)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	env, cleanup, err := newEnv(cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer cleanup()
	env.Config = cfg
	env.ConfigPath = *configPath
	env.In = stdin

	ctx, cancel := context.WithTimeout(ctx, cfg.API.Timeout*2)
	defer cancel()
	return registry.Run(ctx, env, args)
}

func newEnv(cfg *config.Config, logger zerolog.Logger, out io.Writer) (*commands.Env, func(), error) {
	var creds credential.Store
	if cfg.API.Token != "" {
		creds = credential.Static(cfg.API.Token)
	} else {
		f, err := credential.NewFile(cfg.API.CredentialFile)
		if err != nil {
			return nil, nil, fmt.Errorf("credential file: %w", err)
		}
		creds = f
	}

	httpCache := transport.WithHTTPCache()
	if fc, err := cache.NewFileCache(cfg.Cache.Dir); err == nil {
		httpCache = transport.WithHTTPCacheStore(fc)
	} else {
		logger.Warn().Err(err).Msg("disk cache unavailable, caching in memory")
	}
	api, err := transport.New(cfg.API.URL,
		transport.WithCredentials(creds),
		transport.WithTimeout(cfg.API.Timeout),
		httpCache,
		transport.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}

	store := entity.NewStore()
	q := query.New(store,
		query.WithStaleAfter(cfg.Cache.StaleAfter),
		query.WithIdleEviction(cfg.Cache.IdleEviction),
		query.WithJanitorInterval(cfg.Cache.JanitorInterval),
		query.WithFetchTimeout(cfg.API.Timeout),
		query.WithLogger(logger),
	)
	m := mutation.New(q, store, mutation.WithLogger(logger))
	client := cellar.New(api, q, m,
		cellar.WithLogger(logger),
		cellar.WithSearch(cfg.Search.Delay, cfg.Search.MinLength),
	)

	return &commands.Env{
		Client: client,
		API:    api,
		Creds:  creds,
		Out:    out,
		Logger: logger,
	}, q.Close, nil
}
