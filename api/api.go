package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gpu-price-tracker/metrics"
	"gpu-price-tracker/models"
	"gpu-price-tracker/services"
	"gpu-price-tracker/storage"
	"gpu-price-tracker/utils"
)

const (
	defaultTrendDays = 30
	defaultDealLimit = 10
	maxDealLimit     = 500
)

// APIHandler serves read-only price queries over HTTP.
type APIHandler struct {
	engine *services.QueryEngine
	logger *utils.Logger
}

// providerEntry is one row of GET /providers.
type providerEntry struct {
	Provider string `json:"provider"`
	models.ProviderSummary
}

// regionEntry is one row of GET /regions.
type regionEntry struct {
	Region    string `json:"region"`
	Instances int    `json:"instances"`
}

// SetupRoutes registers the price query routes on r.
func SetupRoutes(r *gin.RouterGroup, engine *services.QueryEngine, logger *utils.Logger) *APIHandler {
	handler := &APIHandler{engine: engine, logger: logger}

	r.GET("/stats", handler.GetStats)
	r.GET("/latest", handler.GetLatest)
	r.GET("/trend/:gpu", handler.GetTrend)
	r.GET("/best-deals", handler.GetBestDeals)
	r.GET("/providers", handler.GetProviders)
	r.GET("/regions", handler.GetRegions)
	r.GET("/gpus", handler.GetGPUSummary)
	r.GET("/snapshots", handler.GetSnapshots)

	return handler
}

// NewRouter builds the gin engine with middleware, /health, /metrics and /api/v1.
func NewRouter(engine *services.QueryEngine, logger *utils.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	SetupRoutes(r.Group("/api/v1"), engine, logger)
	return r
}

// Serve runs the API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, engine *services.QueryEngine, logger *utils.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(engine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[api] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
		logger.Info("[api] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (h *APIHandler) GetStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandler) GetLatest(c *gin.Context) {
	records, err := h.engine.LatestSnapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

func (h *APIHandler) GetTrend(c *gin.Context) {
	days, ok := intParam(c, "days", defaultTrendDays)
	if !ok {
		return
	}
	opts, ok := queryOptions(c)
	if !ok {
		return
	}

	gpu := c.Param("gpu")
	points, err := h.engine.Trend(c.Request.Context(), gpu, days, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gpu_type": gpu, "days": days, "points": points})
}

func (h *APIHandler) GetBestDeals(c *gin.Context) {
	limit, ok := intParam(c, "limit", defaultDealLimit)
	if !ok {
		return
	}
	if limit > maxDealLimit {
		limit = maxDealLimit
	}
	opts, ok := queryOptions(c)
	if !ok {
		return
	}

	deals, err := h.engine.BestDeals(c.Request.Context(), c.Query("gpu"), limit, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(deals), "deals": deals})
}

func (h *APIHandler) GetProviders(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	summary, err := h.engine.ProvidersSummary(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]providerEntry, 0, len(summary))
	for name, s := range summary {
		out = append(out, providerEntry{Provider: name, ProviderSummary: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (h *APIHandler) GetRegions(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	byRegion, err := h.engine.AvailabilityByRegion(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]regionEntry, 0, len(byRegion))
	for region, n := range byRegion {
		out = append(out, regionEntry{Region: region, Instances: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instances != out[j].Instances {
			return out[i].Instances > out[j].Instances
		}
		return out[i].Region < out[j].Region
	})
	c.JSON(http.StatusOK, gin.H{"regions": out})
}

func (h *APIHandler) GetGPUSummary(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	summary, err := h.engine.GPUSummary(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gpus": summary})
}

func (h *APIHandler) GetSnapshots(c *gin.Context) {
	days, ok := intParam(c, "days", defaultTrendDays)
	if !ok {
		return
	}
	snaps, err := h.engine.Snapshots(c.Request.Context(), days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

// fail maps query errors to status codes: bad input 400, storage down 503.
func (h *APIHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case storage.IsUnavailable(err):
		h.logger.Error("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price store unavailable"})
	default:
		h.logger.Error("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intParam(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
		return 0, false
	}
	return v, true
}

func queryOptions(c *gin.Context) (services.QueryOptions, bool) {
	opts := services.QueryOptions{Provider: c.Query("provider")}
	if raw := c.Query("include_unknown"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "include_unknown must be a boolean"})
			return opts, false
		}
		opts.IncludeUnknown = v
	}
	return opts, true
}

func requestLogger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		metrics.ObserveRequest(c.FullPath(), c.Writer.Status(), elapsed)
		logger.Debug("[api] %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), elapsed)
	}
}
