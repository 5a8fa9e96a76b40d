package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memberqa/internal/answer"
	"github.com/stellarlinkco/memberqa/internal/cache"
	"github.com/stellarlinkco/memberqa/internal/config"
	"github.com/stellarlinkco/memberqa/internal/gateway"
	"github.com/stellarlinkco/memberqa/internal/qa"
	"github.com/stellarlinkco/memberqa/internal/source"
)

// CLIOptions carries injectable dependencies for the in-process commands.
type CLIOptions struct {
	AnswererFactory gateway.AnswererFactory
	Fetcher         cache.Fetcher
	Stdout          io.Writer
	Stderr          io.Writer
}

var rootCmd = &cobra.Command{
	Use:           "memberqa",
	Short:         "memberqa - answer questions about member messages",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (primes the cache, optional scheduled refresh)",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Answer a single question in-process",
	RunE:  runAsk,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Load the messages and print cache statistics",
	RunE:  runStats,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch every message and report the count",
	RunE:  runRefresh,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memberqa status",
	RunE:  runStatus,
}

var questionFlag string

func init() {
	askCmd.Flags().StringVarP(&questionFlag, "question", "q", "", "Question to answer")
	rootCmd.AddCommand(serveCmd, askCmd, statsCmd, refreshCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func setupLogging(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runAsk(cmd *cobra.Command, args []string) error {
	return runAskWithOptions(cmd.Context(), questionFlag, CLIOptions{})
}

func runStats(cmd *cobra.Command, args []string) error {
	return runStatsWithOptions(cmd.Context(), CLIOptions{})
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return runRefreshWithOptions(cmd.Context(), CLIOptions{})
}

// newService wires the pipeline for one-shot commands. The answerer is only
// built when withAnswerer is set.
func newService(cfg *config.Config, opts CLIOptions, withAnswerer bool) (*qa.Service, error) {
	fetcher := opts.Fetcher
	if fetcher == nil {
		client, err := source.NewClientFromConfig(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("create source client: %w", err)
		}
		fetcher = client
	}
	c := cache.New(fetcher, cache.Options{
		PopulateTimeout: time.Duration(cfg.Cache.PopulateTimeoutSec) * time.Second,
	})

	var ans answer.Answerer
	if withAnswerer {
		factory := opts.AnswererFactory
		if factory == nil {
			factory = gateway.DefaultAnswererFactory
		}
		var err error
		ans, err = factory(cfg)
		if err != nil {
			return nil, err
		}
	}
	return qa.NewService(c, ans, nil), nil
}

func runAskWithOptions(ctx context.Context, question string, opts CLIOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := writerOr(opts.Stdout, os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := newService(cfg, opts, true)
	if err != nil {
		return err
	}

	out, err := svc.Ask(ctx, question)
	if err != nil {
		if errors.Is(err, qa.ErrEmptyQuestion) {
			return fmt.Errorf("question cannot be empty (use -q)")
		}
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

func runStatsWithOptions(ctx context.Context, opts CLIOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := writerOr(opts.Stdout, os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := newService(cfg, opts, false)
	if err != nil {
		return err
	}

	// A fresh process has nothing cached, so load once before reporting.
	if _, err := svc.Context(ctx, false); err != nil {
		fmt.Fprintf(writerOr(opts.Stderr, os.Stderr), "Warning: %v\n", err)
	}
	st := svc.Stats()
	data, err := json.MarshalIndent(map[string]any{
		"total_messages": st.TotalMessages,
		"unique_users":   st.UniqueUsers,
		"cache_status":   st.CacheStatus,
		"origin":         st.Origin,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(data))
	return nil
}

func runRefreshWithOptions(ctx context.Context, opts CLIOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := writerOr(opts.Stdout, os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := newService(cfg, opts, false)
	if err != nil {
		return err
	}

	n, err := svc.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh cache: %w", err)
	}
	fmt.Fprintf(stdout, "cache refreshed: %d messages (%s)\n", n, svc.Stats().Origin)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set MEMBERQA_API_KEY / OPENAI_API_KEY")
	fmt.Println("  3. Run 'memberqa ask -q \"When is Layla planning her trip to London?\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Printf("Model: %s\n", cfg.Answer.Model)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Source: %s (fallback=%v)\n", cfg.Source.BaseURL, cfg.Source.Fallback)
	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if len(cfg.Server.AllowedOrigins) > 0 {
		fmt.Printf("Websocket origins: %s\n", strings.Join(cfg.Server.AllowedOrigins, ", "))
	} else {
		fmt.Println("Websocket origins: same-origin only")
	}
	if cfg.Cache.RefreshSchedule != "" {
		fmt.Printf("Refresh schedule: %s\n", cfg.Cache.RefreshSchedule)
	} else {
		fmt.Println("Refresh schedule: disabled")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Validation: %v\n", err)
	} else {
		fmt.Println("Validation: ok")
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "openai (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writerOr(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}
