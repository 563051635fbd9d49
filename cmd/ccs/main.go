package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Zuo-Peng/ccsearch/internal/config"
	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/remote"
	"github.com/Zuo-Peng/ccsearch/internal/scan"
	"github.com/Zuo-Peng/ccsearch/internal/search"
)

var version = "dev"

// global flags
var (
	verbose    bool
	dbPath     string
	configPath string
	noColor    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "ccs",
		Short:   "Search Claude Code session logs: messages, interactions, tool calls and commits",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Index database path (overrides config and $"+config.EnvDB+")")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/ccsearch/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(interactionsCmd())
	rootCmd.AddCommand(commitsCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(openCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	}).Level(level).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

// app is what most commands need: config, an open index and an engine over it.
type app struct {
	cfg    *config.Config
	db     *index.DB
	engine *search.Engine
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := index.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	limits := search.Limits{
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		MaxContext:   cfg.Search.MaxContext,
	}
	return &app{cfg: cfg, db: db, engine: search.NewEngine(db, limits)}, nil
}

func (a *app) Close() error { return a.db.Close() }

// sources returns the local source and, when enabled, the remote one.
func (a *app) sources(withRemote bool) []index.Source {
	srcs := []index.Source{scan.NewLocal(a.cfg.ProjectsRoot)}
	r := a.cfg.Remote
	if withRemote && r.Enabled {
		if r.Token() == "" {
			log.Warn().Str("env", r.TokenEnv).Msg("remote source enabled but no token set; skipping")
		} else {
			srcs = append(srcs, remote.NewSource(remote.NewClient(r.APIBase, r.Token(), r.Org(), nil)))
		}
	}
	return srcs
}

// refresh runs a quiet incremental pass over local logs so searches see
// recent activity.
func (a *app) refresh(ctx context.Context) {
	ix := index.NewIndexer(a.db, index.Options{Workers: a.cfg.Workers, Prune: true})
	if _, err := ix.Run(ctx, a.sources(false)...); err != nil {
		log.Warn().Err(err).Msg("refresh index")
	}
}

func colorOut() bool {
	return !noColor && os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd()))
}

func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 0
}

// parseDate accepts YYYY-MM-DD (local midnight) or RFC 3339.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}
