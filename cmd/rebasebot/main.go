package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/rebasebot/internal/changecache"
	"github.com/drewdunne/rebasebot/internal/config"
	"github.com/drewdunne/rebasebot/internal/logging"
	"github.com/drewdunne/rebasebot/internal/rebase"
	"github.com/drewdunne/rebasebot/internal/reconcile"
	"github.com/drewdunne/rebasebot/internal/registry"
	"github.com/drewdunne/rebasebot/internal/repocache"
	"github.com/drewdunne/rebasebot/internal/server"
)

var version = "0.1.0"

// environment holds settings taken from the process environment.
type environment struct {
	Config   string `env:"REBASEBOT_CONFIG, default=config.yaml"`
	LogLevel string `env:"REBASEBOT_LOG_LEVEL"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(run(os.Args[2:], false))
	case "once":
		os.Exit(run(os.Args[2:], true))
	case "version":
		fmt.Printf("rebasebot v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rebasebot <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      Poll all configured repositories until interrupted")
	fmt.Println("  once     Run a single polling pass and exit")
	fmt.Println("  version  Print version information")
}

func run(args []string, once bool) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fs := flag.NewFlagSet("rebasebot", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default $REBASEBOT_CONFIG or config.yaml)")
	envFile := fs.String("env-file", "", "Path to .env file (optional)")
	fs.Parse(args)

	// Load .env file if specified or exists
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			clog.WarnContextf(ctx, "could not load env file %s: %v", *envFile, err)
		}
	} else {
		godotenv.Load(".env")
	}

	var env environment
	if err := envconfig.Process(ctx, &env); err != nil {
		clog.FatalContextf(ctx, "processing environment: %v", err)
	}
	if *configPath == "" {
		*configPath = env.Config
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		clog.FatalContextf(ctx, "loading config: %v", err)
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}

	ctx = logging.Setup(ctx, cfg.Logging, os.Stderr)
	log := clog.FromContext(ctx)

	repos := cfg.Repositories()
	log.Infof("Starting rebasebot v%s for %d repositories", version, len(repos))

	clones := repocache.New(cfg.Workspace, cfg.GCCountdown)
	engine := rebase.New(clones, rebase.Identity{Name: cfg.Git.UserName, Email: cfg.Git.UserEmail})
	reconciler := reconcile.NewReconciler(
		changecache.New(),
		engine,
		regexp.MustCompile(cfg.BranchPattern),
		cfg.ConflictComment,
	)
	connectors := registry.Default()
	log.Debugf("Supported providers: %s", strings.Join(connectors.List(), ", "))
	poller := reconcile.NewPoller(repos, connectors, reconciler, cfg.Workers, cfg.PollInterval)

	if failed := clones.Prepare(ctx, repos); failed > 0 {
		log.Warnf("%d of %d repositories could not be prepared, retrying on first use", failed, len(repos))
	}

	if once {
		if failed := poller.RunOnce(ctx); failed > 0 {
			log.Errorf("%d repositories failed", failed)
			return 1
		}
		return 0
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(ctx)
	})
	if cfg.Server.Enabled {
		srv := server.New(cfg, poller.Trigger)
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorf("Stopped with error: %v", err)
		return 1
	}
	log.Infof("Stopped")
	return 0
}
