// Command smarthttp is a CLI front end for the smarthttp engine: fetch
// URLs through the pooled, retrying client and inspect per-host domain
// memory.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nexora/smarthttp/client"
	"github.com/nexora/smarthttp/config"
	"github.com/nexora/smarthttp/internal/version"
	"github.com/nexora/smarthttp/memory"
	"github.com/nexora/smarthttp/storage"
)

var (
	flagConfig   string
	flagDB       string
	flagVerbose  bool
	flagAdaptive bool

	flagMethod    string
	flagHeaders   []string
	flagData      string
	flagRetries   int
	flagRedirects int
	flagTimeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "smarthttp",
		Short: "Adaptive pooled HTTP client",
		Long: `smarthttp drives HTTP requests through a bounded per-host connection
pool with retry/redirect orchestration and per-host domain memory.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "path to domain statistics database")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	fetchCmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch a URL through the engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringVarP(&flagMethod, "method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringArrayVarP(&flagHeaders, "header", "H", nil, "request header (Name: value), repeatable")
	fetchCmd.Flags().StringVarP(&flagData, "data", "d", "", "request body")
	fetchCmd.Flags().IntVar(&flagRetries, "max-retries", 0, "override retry budget")
	fetchCmd.Flags().IntVar(&flagRedirects, "max-redirects", 0, "override redirect budget")
	fetchCmd.Flags().DurationVar(&flagTimeout, "timeout", 60*time.Second, "overall request deadline")
	fetchCmd.Flags().BoolVar(&flagAdaptive, "adaptive", false, "enable adaptive header/timing optimization")

	insightsCmd := &cobra.Command{
		Use:   "insights HOST",
		Short: "Show persisted domain memory for a host",
		Args:  cobra.ExactArgs(1),
		RunE:  runInsights,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the smarthttp version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smarthttp version %s\n", version.Version())
		},
	}

	root.AddCommand(fetchCmd, insightsCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func runFetch(cmd *cobra.Command, args []string) error {
	log := newLogger()

	settings, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDB != "" {
		settings.DatabasePath = flagDB
	}
	if flagRetries > 0 {
		settings.MaxRetries = flagRetries
	}
	if flagRedirects > 0 {
		settings.MaxRedirects = flagRedirects
	}
	if flagAdaptive {
		settings.AdaptiveOptimization = true
	}

	cfg := client.Config{
		MaxRetries:                settings.MaxRetries,
		MaxRedirects:              settings.MaxRedirects,
		PoolMaxSize:               settings.PoolMaxSize,
		PoolAcquireTimeout:        settings.PoolAcquireTimeout.Duration(),
		RetryableStatuses:         settings.RetryableStatuses,
		ForwardAuthAcrossRedirect: settings.ForwardAuthAcrossRedirect,
		AdaptiveOptimization:      settings.AdaptiveOptimization,
		AdaptivePacing:            settings.AdaptivePacing,
		Logger:                    log,
	}
	if settings.AdvisorAPIKey != "" && settings.AdaptiveOptimization {
		cfg.Advisor = memory.NewOpenAIBackend(settings.AdvisorAPIKey, settings.AdvisorModel)
	}

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var store *storage.Store
	if settings.DatabasePath != "" {
		store, err = storage.Open(settings.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		if stats, err := store.LoadSnapshot(); err != nil {
			log.Warn().Err(err).Msg("could not load domain statistics")
		} else {
			c.Memory().Restore(stats)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := make(http.Header)
	for _, h := range flagHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed header %q, want Name: value", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	var body io.Reader
	if flagData != "" {
		body = strings.NewReader(flagData)
	}

	resp, err := c.Execute(ctx, flagMethod, args[0], header, body)

	if store != nil {
		status := 0
		attempts, redirects := 0, 0
		var elapsed time.Duration
		if resp != nil {
			status, attempts, redirects, elapsed = resp.Status, resp.Attempts, resp.Redirects, resp.Elapsed
		}
		if logErr := store.LogFetch(args[0], flagMethod, status, attempts, redirects, elapsed, err); logErr != nil {
			log.Warn().Err(logErr).Msg("could not log fetch")
		}
		if saveErr := store.SaveSnapshot(c.Memory().Snapshot()); saveErr != nil {
			log.Warn().Err(saveErr).Msg("could not persist domain statistics")
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d %s (%d attempts, %d redirects, %s)\n",
		resp.Status, http.StatusText(resp.Status), resp.Attempts, resp.Redirects,
		resp.Elapsed.Round(time.Millisecond))
	if resp.RateLimit != nil {
		fmt.Fprintln(os.Stderr, resp.RateLimit.String())
	}
	if resp.Truncated {
		fmt.Fprintln(os.Stderr, "warning: response body truncated at size cap")
	}
	os.Stdout.Write(resp.Body)
	return nil
}

func runInsights(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDB != "" {
		settings.DatabasePath = flagDB
	}
	if settings.DatabasePath == "" {
		return fmt.Errorf("no database configured; pass --db or set SMARTHTTP_DB")
	}

	store, err := storage.Open(settings.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.LoadSnapshot()
	if err != nil {
		return err
	}
	for _, st := range stats {
		if st.Host != args[0] {
			continue
		}
		fmt.Printf("host:           %s\n", st.Host)
		fmt.Printf("requests:       %d\n", st.TotalRequests)
		fmt.Printf("success rate:   %.1f%%\n", st.SuccessRate*100)
		fmt.Printf("avg latency:    %s\n", st.AvgLatency.Round(time.Millisecond))
		fmt.Printf("failures:       network=%d client=%d server=%d challenge=%d\n",
			st.Failures.Network, st.Failures.Client, st.Failures.Server, st.Failures.Challenge)
		if !st.LastSeen.IsZero() {
			fmt.Printf("last seen:      %s\n", st.LastSeen.Format(time.RFC3339))
		}
		return nil
	}
	return fmt.Errorf("no history for host %q", args[0])
}
