package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/record-importer/pkg/config"
	"github.com/Sternrassler/record-importer/pkg/cursor"
	"github.com/Sternrassler/record-importer/pkg/importer"
	"github.com/Sternrassler/record-importer/pkg/logging"
	"github.com/Sternrassler/record-importer/pkg/metrics"
	"github.com/Sternrassler/record-importer/pkg/search"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "record-importer",
		Short:        "Import exported records from a search cluster, partition by partition",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the importer (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runImport(cmd.Context(), configPath)
			},
		},
		newResetCursorCmd(&configPath),
	)
	return root
}

func newResetCursorCmd(configPath *string) *cobra.Command {
	var partitions []int

	cmd := &cobra.Command{
		Use:   "reset-cursor",
		Short: "Delete stored cursors so the next run imports the partitions from the start",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, redisClient, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer redisClient.Close()

			if len(partitions) == 0 {
				partitions = cfg.Import.Partitions
			}

			store := cursor.NewRedisStore(redisClient, cursor.Namespace(cfg.Search.IndexPrefix, cfg.Search.ValueType), logger)
			if err := store.Reset(cmd.Context(), partitions...); err != nil {
				return fmt.Errorf("reset cursors: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&partitions, "partitions", nil, "partitions to reset (default: all configured partitions)")
	return cmd
}

// setup loads the configuration, configures logging and connects to Redis.
// The returned logger is the base every component logger derives from.
func setup(ctx context.Context, configPath string) (config.Config, zerolog.Logger, *redis.Client, error) {
	// Configuration from file and environment
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, err
	}

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return cfg, logger, redisClient, nil
}

func runImport(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, base, redisClient, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	logger := logging.Component(base, logging.ComponentImporter)
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	searchClient, err := search.New(search.Config{
		URL:         cfg.Search.URL,
		IndexPrefix: cfg.Search.IndexPrefix,
		ValueType:   cfg.Search.ValueType,
		Username:    cfg.Search.Username,
		Password:    cfg.Search.Password,
		Timeout:     cfg.Import.FetchTimeout,
		Compression: true,
	}, base)
	if err != nil {
		return fmt.Errorf("create search client: %w", err)
	}

	store := cursor.NewRedisStore(redisClient, cursor.Namespace(cfg.Search.IndexPrefix, cfg.Search.ValueType), base)

	runner, err := importer.NewRunner(searchClient, search.JSONMapper{}, store, importer.NewLogSink(logger), importer.Config{
		Partitions:                  cfg.Import.Partitions,
		MaxImportPageSize:           cfg.Import.MaxImportPageSize,
		DynamicBatchSuccessAttempts: cfg.Import.DynamicBatchSuccessAttempts,
		MaxEmptyPagesToImport:       cfg.Import.MaxEmptyPagesToImport,
		SequencePaging:              searchClient.SingleIndex(),
		PollInterval:                cfg.Import.PollInterval,
		MaxIdleBackoff:              cfg.Import.MaxIdleBackoff,
		FetchTimeout:                cfg.Import.FetchTimeout,
	}, base)
	if err != nil {
		return fmt.Errorf("create importer: %w", err)
	}

	// HTTP Server
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newMux(redisClient, runner),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverLogger := logging.Component(base, logging.ComponentServer)
	go func() {
		serverLogger.Info().Str("addr", server.Addr).Msg("Starting status server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Error().Err(err).Msg("Status server failed")
			cancel()
		}
	}()

	logger.Info().
		Ints("partitions", cfg.Import.Partitions).
		Str("search_url", cfg.Search.URL).
		Str("index_prefix", cfg.Search.IndexPrefix).
		Str("value_type", cfg.Search.ValueType).
		Bool("sequence_paging", searchClient.SingleIndex()).
		Int("max_import_page_size", cfg.Import.MaxImportPageSize).
		Msg("Starting record import")

	runErr := runner.Run(ctx)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Record import stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		serverLogger.Warn().Err(err).Msg("Status server shutdown incomplete")
	}
	logger.Info().Msg("Shutdown complete")

	return runErr
}

// statsProvider is implemented by *importer.Runner.
type statsProvider interface {
	Stats() []importer.PartitionStats
}

// pinger is implemented by *redis.Client.
type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

func newMux(redisClient pinger, stats statsProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/stats", statsHandler(stats))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, fmt.Sprintf("cursor store unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func statsHandler(stats statsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"partitions": stats.Stats(),
		}); err != nil {
			logger := logging.NewLogger(logging.ComponentServer)
			logger.Warn().Err(err).Msg("Failed to write stats")
		}
	}
}
