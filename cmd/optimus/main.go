// Command optimus runs the catalog enrichment pipeline: batch runs from the
// CLI, an HTTP control surface with live progress, and an offline category
// normalization pass.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"optimus/internal/broadcast"
	"optimus/internal/catalog"
	"optimus/internal/catalog/gormstore"
	"optimus/internal/config"
	"optimus/internal/llm"
	"optimus/internal/logging"
	"optimus/internal/metrics"
	"optimus/internal/pipeline"
	"optimus/internal/prompts"
	"optimus/internal/taxonomy"
	"optimus/internal/webui"
	"optimus/internal/workerpool"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "optimus",
		Short: "LLM-powered catalog enrichment pipeline",
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logging.SetLevel(logging.LevelDebug)
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newServeCmd(), newNormalizeCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

// engine bundles the wired components of one pipeline instance.
type engine struct {
	settings    *config.Settings
	store       *gormstore.Store
	pool        *workerpool.Pool
	coordinator *pipeline.Coordinator
	broadcaster *broadcast.Broadcaster
	registry    *prometheus.Registry
}

func buildEngine() (*engine, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := gormstore.Open(settings.Database)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.New(registry)

	client := llm.NewClient(llm.Config{
		BaseURL: settings.Ollama.BaseURL,
		Timeout: settings.Ollama.Timeout(),
	}, logging.NewComponentLogger("llm"))

	promptStore, err := prompts.NewStore(settings.Paths.PromptDir, logging.NewComponentLogger("prompts"))
	if err != nil {
		return nil, err
	}

	taxonomyPaths, err := taxonomy.Load(settings.Paths.TaxonomyDir, logging.NewComponentLogger("taxonomy"))
	if err != nil {
		return nil, err
	}
	if len(taxonomyPaths) == 0 {
		color.Yellow("warning: no taxonomy paths loaded from %s, category matching will return %s",
			settings.Paths.TaxonomyDir, taxonomy.Uncategorized)
	}

	selector := pipeline.NewSelector(settings.ModelCapabilities, client, logging.NewComponentLogger("selector"))
	executor := pipeline.NewExecutor(
		selector,
		client,
		promptStore,
		taxonomyPaths,
		settings.Models.QuantizedModels,
		settings.Workers.RetryAttempts,
		logging.NewComponentLogger("executor"),
	)

	pool, err := workerpool.New(workerpool.Config{
		Workers:       settings.Workers.MaxWorkers,
		QueueSize:     settings.Workers.QueueSize,
		RetryAttempts: settings.Workers.RetryAttempts,
	}, executor, pipelineMetrics, logging.NewComponentLogger("workerpool"))
	if err != nil {
		return nil, err
	}

	broadcaster := broadcast.New(logging.NewComponentLogger("broadcast"))
	matcher := taxonomy.NewMatcher(taxonomyPaths, taxonomy.DefaultCutoff)
	coordinator := pipeline.NewCoordinator(
		store,
		pool,
		broadcaster,
		pipelineMetrics,
		matcher,
		settings.Workers.Timeout(),
		logging.NewComponentLogger("coordinator"),
	)

	return &engine{
		settings:    settings,
		store:       store,
		pool:        pool,
		coordinator: coordinator,
		broadcaster: broadcaster,
		registry:    registry,
	}, nil
}

func newRunCmd() *cobra.Command {
	var (
		taskTypeArg string
		idsArg      string
		quantize    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one enrichment batch and print per-product outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType, ok := catalog.ParseTaskType(taskTypeArg)
			if !ok {
				return fmt.Errorf("unknown task type %q (known: %s)", taskTypeArg, taskTypeList())
			}
			productIDs, err := parseIDs(idsArg)
			if err != nil {
				return err
			}

			eng, err := buildEngine()
			if err != nil {
				return err
			}
			if err := eng.pool.Start(); err != nil {
				return err
			}
			defer eng.pool.Stop()

			outcomes, err := eng.coordinator.Run(cmd.Context(), productIDs, taskType, quantize)
			if err != nil {
				return err
			}

			processed, failed := 0, 0
			for _, outcome := range outcomes {
				switch outcome.Status {
				case "success":
					processed++
					color.Green("  product %d: ok", outcome.ProductID)
				case "timeout":
					failed++
					color.Yellow("  product %d: timeout", outcome.ProductID)
				default:
					failed++
					color.Red("  product %d: %s", outcome.ProductID, outcome.Error)
				}
			}
			fmt.Printf("%s: %d processed, %d failed of %d\n", taskType, processed, failed, len(outcomes))
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskTypeArg, "task", "t", "", "task type to run")
	cmd.Flags().StringVar(&idsArg, "ids", "", "comma-separated product ids")
	cmd.Flags().BoolVar(&quantize, "quantize", false, "use quantized model variants")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("ids")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool and HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			if err := eng.pool.Start(); err != nil {
				return err
			}
			defer eng.pool.Stop()

			server := webui.New(
				eng.settings.Server.Addr,
				eng.store,
				eng.pool,
				eng.coordinator,
				eng.broadcaster,
				eng.registry,
				logging.NewComponentLogger("webui"),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			color.Cyan("serving on %s", eng.settings.Server.Addr)
			return server.Run(ctx)
		},
	}
}

func newNormalizeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize categories offline with the taxonomy matcher, no LLM involved",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			updated, err := eng.coordinator.NormalizeOffline(cmd.Context(), limit)
			if err != nil {
				return err
			}
			color.Green("normalized %d products", updated)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum products to normalize")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running instance for pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := "http://" + strings.TrimPrefix(addr, "http://") + "/api/status"
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("reach %s: %w", url, err)
			}
			defer func() { _ = resp.Body.Close() }()

			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			pretty, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(pretty))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "address of the running instance")
	return cmd
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid product id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no product ids given")
	}
	return ids, nil
}

func taskTypeList() string {
	var names []string
	for _, tt := range catalog.TaskTypes() {
		names = append(names, string(tt))
	}
	return strings.Join(names, ", ")
}
