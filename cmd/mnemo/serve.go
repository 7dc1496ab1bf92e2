package mnemo

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/mnemo"
	"github.com/soundprediction/mnemo/pkg/config"
	"github.com/soundprediction/mnemo/pkg/crossencoder"
	"github.com/soundprediction/mnemo/pkg/embedder"
	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/ingest"
	"github.com/soundprediction/mnemo/pkg/logger"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/server"
	"github.com/soundprediction/mnemo/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Mnemo HTTP server",
	Long: `Start the Mnemo HTTP server to provide REST API access to the memory
store: episode ingestion, hybrid search, context composition and ontology
management.`,
	RunE: runServe,
}

var ontologyFile string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "Server host")
	serveCmd.Flags().Int("port", 8080, "Server port")
	serveCmd.Flags().String("store-path", "", "Badger store path (empty uses config default)")
	serveCmd.Flags().StringVar(&ontologyFile, "ontology", "", "YAML file with the custom ontology to activate at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("store-path") {
		cfg.Store.Path, _ = cmd.Flags().GetString("store-path")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	client, err := buildClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	defer client.Close()

	if ontologyFile != "" {
		def, err := ontology.LoadFile(ontologyFile)
		if err != nil {
			return fmt.Errorf("failed to load ontology: %w", err)
		}
		version, err := client.SetOntology(def.EntityTypes, def.EdgeTypes)
		if err != nil {
			return fmt.Errorf("failed to activate ontology: %w", err)
		}
		log.Info("ontology activated", "version", version,
			"entity_types", len(def.EntityTypes), "edge_types", len(def.EdgeTypes))
	}

	srv := server.New(cfg, client)
	srv.Setup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	}
}

// buildClient assembles the façade from configuration.
func buildClient(cfg *config.Config) (*mnemo.Client, error) {
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	st, err := store.NewBadgerStore(store.BadgerOptions{
		Path:   cfg.Store.Path,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var emb embedder.Client
	switch cfg.Embedding.Provider {
	case "mock":
		emb = embedder.NewMockClient(cfg.Embedding.Dimensions)
	default:
		emb, err = embedder.NewEmbedEverythingClient(&embedder.Config{
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
	}
	if cfg.Embedding.CacheSize > 0 {
		emb, err = embedder.NewCachedClient(emb, cfg.Embedding.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
	}

	var ex extract.Extractor
	switch cfg.Extraction.Provider {
	case "mock":
		ex = &extract.MockExtractor{}
	default:
		ex, err = extract.NewOpenAIExtractor(extract.Config{
			APIKey:      cfg.Extraction.APIKey,
			BaseURL:     cfg.Extraction.BaseURL,
			Model:       cfg.Extraction.Model,
			Temperature: cfg.Extraction.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create extractor: %w", err)
		}
	}
	if cfg.CircuitBreaker.Enabled {
		ex = extract.NewCircuitBreakerExtractor(ex, extract.BreakerConfig{
			Enabled:          true,
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			ReadyToTripRatio: cfg.CircuitBreaker.ReadyToTripRatio,
		}, log, "extraction")
	}

	return mnemo.New(mnemo.Options{
		Store:        st,
		Embedder:     emb,
		Extractor:    ex,
		CrossEncoder: crossencoder.NewEmbeddingRerankerClient(emb),
		Ingestion: ingest.Config{
			Workers:        cfg.Ingestion.Workers,
			ExtractTimeout: time.Duration(cfg.Ingestion.ExtractTimeout) * time.Second,
			PriorContext:   cfg.Ingestion.PriorContext,
			DisableDedup:   cfg.Ingestion.DisableDedup,
		},
		Logger: log,
	})
}
