package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sub-aggregator-api/internal/config"
	"github.com/sub-aggregator-api/internal/metrics"
	"github.com/sub-aggregator-api/internal/snapshot"
	"github.com/sub-aggregator-api/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Runner triggers a full evaluation run; implemented by the service loop.
type Runner interface {
	RunOnce(ctx context.Context) error
}

type Server struct {
	config      *config.Config
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector
	runner      Runner
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10, // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, snap *snapshot.Manager, metricsCollector *metrics.Collector, runner Runner) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		snapshot:    snap,
		metrics:     metricsCollector,
		runner:      runner,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/nodes", s.handleNodes)
	protected.GET("/subscriptions", s.handleSubscriptions)
	protected.GET("/stat", s.handleStat)
	protected.POST("/reload", s.handleReload)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// handleNodes serves the deduplicated node list. Plain text one URI per
// line by default (subscription-client friendly), JSON on request.
func (s *Server) handleNodes(c *gin.Context) {
	snap := s.snapshot.Get()
	if len(snap.Nodes) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No nodes available yet",
		})
		return
	}

	format := c.Query("format")
	acceptHeader := c.GetHeader("Accept")
	wantsJSON := format == "json" || strings.Contains(acceptHeader, "application/json")

	nodes := snap.Nodes
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter",
			})
			return
		}
		if limit < len(nodes) {
			nodes = nodes[:limit]
		}
	}

	if wantsJSON {
		c.JSON(http.StatusOK, gin.H{
			"total":   len(snap.Nodes),
			"count":   len(nodes),
			"updated": snap.Updated.Format(time.RFC3339),
			"nodes":   nodes,
		})
		return
	}

	var result strings.Builder
	for _, n := range nodes {
		result.WriteString(n)
		result.WriteString("\n")
	}
	c.String(http.StatusOK, result.String())
}

// handleSubscriptions reports the validity classification of the last run.
func (s *Server) handleSubscriptions(c *gin.Context) {
	subs := s.snapshot.GetSubscriptions()

	if state := c.Query("state"); state != "" {
		filtered := make([]types.Subscription, 0, len(subs))
		for _, sub := range subs {
			if string(sub.State) == state {
				filtered = append(filtered, sub)
			}
		}
		subs = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"count":         len(subs),
		"subscriptions": subs,
	})
}

func (s *Server) handleStat(c *gin.Context) {
	stats := s.snapshot.GetStats()
	snap := s.snapshot.Get()

	response := gin.H{
		"total_subscriptions": stats.TotalSubscriptions,
		"valid_subscriptions": stats.ValidSubscriptions,
		"total_nodes":         stats.TotalNodes,
		"unique_nodes":        stats.UniqueNodes,
		"last_run":            stats.LastRunTime.Format(time.RFC3339),
		"updated":             snap.Updated.Format(time.RFC3339),
	}

	if stats.SourceStats != nil {
		response["sources"] = stats.SourceStats
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReload(c *gin.Context) {
	log.Info("Manual reload triggered via API")

	go func() {
		if err := s.runner.RunOnce(context.Background()); err != nil {
			log.Errorf("Reload run failed: %v", err)
		} else {
			log.Info("Reload complete")
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"message": "Reload triggered",
	})
}
