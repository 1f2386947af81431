package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/sub-aggregator-api/internal/api"
	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/evaluator"
	"github.com/sub-aggregator-api/internal/fetch"
	"github.com/sub-aggregator-api/internal/listfile"
	"github.com/sub-aggregator-api/internal/metrics"
	"github.com/sub-aggregator-api/internal/snapshot"
	"github.com/sub-aggregator-api/internal/storage"
	"github.com/sub-aggregator-api/internal/types"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

// Service wires the evaluation pipeline to the files and the snapshot.
// RunOnce is the whole cycle; the loop and the API reload both call it.
type Service struct {
	config    *config.Config
	evaluator *evaluator.Evaluator
	snapshot  *snapshot.Manager
	metrics   *metrics.Collector

	runMu sync.Mutex
}

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting Subscription Aggregator Service v%s", version)

	// Load configuration
	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set log level
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	// Set GOMAXPROCS to use all available CPUs
	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.Infof("GOMAXPROCS set to %d", numCPU)

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Initialize snapshot manager
	snapshotMgr := snapshot.NewManager(store, cfg.Storage.PersistIntervalSeconds)

	// Load previous run from storage so the API serves something while
	// the first evaluation is in flight
	if err := snapshotMgr.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load existing snapshot: %v (starting fresh)", err)
	}

	// Initialize fetcher and evaluator
	fetcher, err := fetch.NewFetcher(cfg.Fetcher, metricsCollector)
	if err != nil {
		log.Fatalf("Failed to initialize fetcher: %v", err)
	}
	eval := evaluator.New(cfg.Evaluator, fetcher, metricsCollector)

	svc := &Service{
		config:    cfg,
		evaluator: eval,
		snapshot:  snapshotMgr,
		metrics:   metricsCollector,
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start evaluation loop
	go svc.runLoop(ctx)

	// Start API server
	apiServer := api.NewServer(cfg, snapshotMgr, metricsCollector, svc)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	snapshotMgr.Close()
	log.Info("Shutdown complete")
}

func (s *Service) runLoop(ctx context.Context) {
	// Run immediately on startup
	if err := s.RunOnce(ctx); err != nil {
		log.Errorf("Evaluation run failed: %v", err)
	}

	ticker := time.NewTicker(time.Duration(s.config.Evaluator.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Evaluation loop stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Errorf("Evaluation run failed: %v", err)
			}
		}
	}
}

// RunOnce executes one full cycle: read the subscription list, evaluate
// every subscription, write the node list and classification files, and
// publish the snapshot. Overlapping runs are serialized.
func (s *Service) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	log.Info("Starting evaluation cycle")

	urls, err := listfile.ReadURLs(s.config.Files.SubscriptionFile)
	if err != nil {
		return err
	}
	log.Infof("Loaded %d subscription URLs from %s", len(urls), s.config.Files.SubscriptionFile)

	results, unique := s.evaluator.EvaluateAll(ctx, urls)

	subs := make([]types.Subscription, 0, len(results))
	validCount := 0
	totalNodes := 0
	for _, r := range results {
		subs = append(subs, r.Subscription)
		totalNodes += r.Subscription.NodeCount
		if r.Subscription.State == types.StateValid {
			validCount++
		}
	}

	nodes := make([]string, 0, len(unique))
	for _, n := range unique {
		nodes = append(nodes, n.Raw)
	}

	s.metrics.SetUniqueNodes(len(nodes))
	s.metrics.SetValidSubscriptions(validCount)

	if err := listfile.WriteLines(s.config.Files.OutputFile, nodes); err != nil {
		log.Errorf("Failed to write node list: %v", err)
	}
	if err := listfile.RewriteSubscriptions(s.config.Files, subs); err != nil {
		log.Errorf("Failed to rewrite subscription files: %v", err)
	}

	stats := types.Stats{
		TotalSubscriptions: len(subs),
		ValidSubscriptions: validCount,
		TotalNodes:         totalNodes,
		UniqueNodes:        len(nodes),
		LastRunTime:        time.Now(),
	}
	s.snapshot.Update(nodes, subs, stats)

	log.Infof("Evaluation cycle complete in %v: %d/%d valid subscriptions, %d unique nodes",
		time.Since(start), validCount, len(subs), len(nodes))

	// Log memory stats
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Infof("Memory: Alloc=%dMB, TotalAlloc=%dMB, Sys=%dMB, NumGC=%d, Goroutines=%d",
		m.Alloc/1024/1024, m.TotalAlloc/1024/1024, m.Sys/1024/1024, m.NumGC, runtime.NumGoroutine())

	return nil
}
