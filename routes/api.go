package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"pdf-vector-ingest/internal/ai"
	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/queue"
	"pdf-vector-ingest/middleware"
	"pdf-vector-ingest/models"
	"pdf-vector-ingest/services"
	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

// Store is the part of the vector store the API administers.
type Store interface {
	Reset(ctx context.Context, dropIndexes bool) (int64, error)
	ResetRun(ctx context.Context, runID string) (int64, error)
	EnsureIndexes(ctx context.Context) error
	CreateIndex(ctx context.Context, idx models.VectorIndexConfig) error
	Count(ctx context.Context) (int64, error)
	ListIndexes(ctx context.Context) ([]models.IndexInfo, error)
	IndexConfig() models.VectorIndexConfig
}

type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
}

type Enqueuer interface {
	EnqueueIngest(ctx context.Context, sources []string, trigger string) (*asynq.TaskInfo, error)
}

type TaskLookup interface {
	Status(id string) (*queue.TaskStatus, error)
}

type Exporter interface {
	Export(ctx context.Context, req services.ExportRequest) (*services.ExportFile, error)
}

// Dependencies are the components behind the HTTP API. Queue and Tasks are
// nil when Redis is not configured; ingestion then runs in the request.
type Dependencies struct {
	Config   *config.Config
	Store    Store
	Searcher Searcher
	Ingester queue.Ingester
	Queue    Enqueuer
	Tasks    TaskLookup
	Exporter Exporter
	Auth     *middleware.AuthMiddleware
}

// SetupHealthRoutes registers the unauthenticated liveness and readiness probes.
func SetupHealthRoutes(router *gin.Engine, store Store) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()
		if _, err := store.Count(ctx); err != nil {
			utils.RespondWithServiceUnavailable(c, "store_unavailable", "Vector store is not reachable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

// SetupAPIRoutes registers the search, ingestion and administration API.
func SetupAPIRoutes(router *gin.Engine, deps Dependencies) {
	api := router.Group("/api", deps.Auth.RequireAuth())

	read := api.Group("", middleware.ReaderGuard())
	read.POST("/search", handleSearch(deps))
	read.GET("/stats", handleStats(deps.Store))

	admin := api.Group("", middleware.AdminGuard())
	admin.POST("/ingest", handleIngest(deps))
	admin.POST("/upload", handleUpload(deps))
	admin.GET("/tasks/:id", handleTaskStatus(deps.Tasks))
	admin.POST("/reset", handleReset(deps.Store))
	admin.POST("/index", handleCreateIndex(deps.Store))
	admin.GET("/export", handleExport(deps.Exporter))
}

type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	K     int    `json:"k"`
}

type SearchResponse struct {
	Query   string                `json:"query"`
	K       int                   `json:"k"`
	Results []models.SearchResult `json:"results"`
}

func handleSearch(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request format", gin.H{"error": err.Error()})
			return
		}
		if req.K == 0 {
			req.K = deps.Config.SearchK
		}

		ctx, cancel := utils.WithSearchTimeout(c.Request.Context())
		defer cancel()

		results, err := deps.Searcher.Search(ctx, req.Query, req.K)
		if err != nil {
			respondWithSearchError(c, err)
			return
		}
		if results == nil {
			results = []models.SearchResult{}
		}
		c.JSON(http.StatusOK, SearchResponse{Query: req.Query, K: req.K, Results: results})
	}
}

func respondWithSearchError(c *gin.Context, err error) {
	var pe *ai.ProviderError
	switch {
	case errors.Is(err, services.ErrEmptyQuery), errors.Is(err, services.ErrInvalidK):
		utils.RespondWithBadRequest(c, err.Error(), nil)
	case errors.Is(err, models.ErrDimensionMismatch):
		utils.RespondWithError(c, http.StatusConflict, "dimension_mismatch", "Embedding size does not match the vector index", gin.H{"error": err.Error()})
	case errors.As(err, &pe):
		utils.RespondWithBadGateway(c, "Embeddings provider request failed", gin.H{"provider": pe.Provider, "status": pe.StatusCode})
	case errors.Is(err, context.DeadlineExceeded):
		utils.RespondWithError(c, http.StatusGatewayTimeout, "timeout", "Search timed out", nil)
	default:
		logger.Error("Search failed", "error", err, "request_id", middleware.GetRequestID(c))
		utils.RespondWithInternalError(c, "Search failed", nil)
	}
}

type StatsResponse struct {
	Count   int64                    `json:"count"`
	Index   models.VectorIndexConfig `json:"index"`
	Indexes []models.IndexInfo       `json:"indexes"`
}

func handleStats(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		count, err := store.Count(ctx)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to count documents", gin.H{"error": err.Error()})
			return
		}
		indexes, err := store.ListIndexes(ctx)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to list indexes", gin.H{"error": err.Error()})
			return
		}
		if indexes == nil {
			indexes = []models.IndexInfo{}
		}
		c.JSON(http.StatusOK, StatsResponse{Count: count, Index: store.IndexConfig(), Indexes: indexes})
	}
}

type IngestRequest struct {
	Sources []string `json:"sources" binding:"required"`
}

func handleIngest(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request format", gin.H{"error": err.Error()})
			return
		}
		sources := cleanSources(req.Sources)
		if len(sources) == 0 {
			utils.RespondWithBadRequest(c, services.ErrNoSources.Error(), nil)
			return
		}
		startIngest(c, deps, sources)
	}
}

// startIngest enqueues the sources when a queue is configured and otherwise
// runs the ingestion before responding. It reports whether the request
// succeeded.
func startIngest(c *gin.Context, deps Dependencies, sources []string) bool {
	if deps.Queue != nil {
		info, err := deps.Queue.EnqueueIngest(c.Request.Context(), sources, queue.TriggerAPI)
		if err != nil {
			logger.Error("Enqueue failed", "error", err, "request_id", middleware.GetRequestID(c))
			utils.RespondWithServiceUnavailable(c, "queue_unavailable", "Failed to enqueue ingestion")
			return false
		}
		c.JSON(http.StatusAccepted, gin.H{
			"task_id": info.ID,
			"queue":   info.Queue,
			"sources": sources,
			"status":  "queued",
		})
		return true
	}

	if deps.Ingester == nil {
		utils.RespondWithServiceUnavailable(c, "ingest_unavailable", "Ingestion is not configured")
		return false
	}
	ctx, cancel := utils.WithIngestTimeout(c.Request.Context())
	defer cancel()

	report, err := deps.Ingester.Ingest(ctx, sources...)
	if err != nil {
		respondWithIngestError(c, report, err)
		return false
	}
	c.JSON(http.StatusOK, report)
	return true
}

func respondWithIngestError(c *gin.Context, report *services.IngestReport, err error) {
	details := gin.H{"stage": services.StageOf(err), "error": err.Error()}
	if report != nil {
		details["run_id"] = report.RunID
		details["inserted"] = report.Inserted
	}

	var pe *ai.ProviderError
	switch {
	case errors.Is(err, services.ErrInvalidPDF), services.StageOf(err) == models.StageLoad, services.StageOf(err) == models.StageSplit:
		utils.RespondWithUnprocessable(c, "invalid_source", "Source could not be ingested", details)
	case errors.Is(err, models.ErrDimensionMismatch):
		utils.RespondWithError(c, http.StatusConflict, "dimension_mismatch", "Embedding size does not match the vector index", details)
	case errors.As(err, &pe):
		utils.RespondWithBadGateway(c, "Embeddings provider request failed", details)
	default:
		logger.Error("Ingestion failed", "error", err, "request_id", middleware.GetRequestID(c))
		utils.RespondWithInternalError(c, "Ingestion failed", details)
	}
}

func cleanSources(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func handleTaskStatus(tasks TaskLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tasks == nil {
			utils.RespondWithServiceUnavailable(c, "queue_unavailable", "Task queue is not configured")
			return
		}
		status, err := tasks.Status(c.Param("id"))
		if errors.Is(err, queue.ErrTaskNotFound) {
			utils.RespondWithNotFound(c, "Task not found")
			return
		}
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to read task", gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type ResetRequest struct {
	DropIndexes bool   `json:"drop_indexes"`
	RunID       string `json:"run_id"`
}

func handleReset(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResetRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				utils.RespondWithBadRequest(c, "Invalid request format", gin.H{"error": err.Error()})
				return
			}
		}

		ctx, cancel := utils.WithIngestTimeout(c.Request.Context())
		defer cancel()

		if req.RunID != "" {
			n, err := store.ResetRun(ctx, req.RunID)
			if err != nil {
				utils.RespondWithInternalError(c, "Failed to delete run", gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted": n, "run_id": req.RunID})
			return
		}

		n, err := store.Reset(ctx, req.DropIndexes)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to reset collection", gin.H{"error": err.Error()})
			return
		}
		if req.DropIndexes {
			if err := store.EnsureIndexes(ctx); err != nil {
				logger.Warn("Could not recreate metadata indexes", "error", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"deleted": n, "dropped_indexes": req.DropIndexes})
	}
}

func handleCreateIndex(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithIngestTimeout(c.Request.Context())
		defer cancel()

		idx := store.IndexConfig()
		if err := store.CreateIndex(ctx, idx); err != nil {
			if errors.Is(err, services.ErrIndexNotReady) {
				utils.RespondWithServiceUnavailable(c, "index_not_ready", err.Error())
				return
			}
			utils.RespondWithInternalError(c, "Failed to create vector index", gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"index": idx, "status": "queryable"})
	}
}

func handleExport(exporter Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.ExportRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid query parameters", gin.H{"error": err.Error()})
			return
		}
		switch req.Format {
		case "", services.FormatJSON, services.FormatExcel, services.FormatBoth:
		default:
			utils.RespondWithBadRequest(c, "Unsupported export format", gin.H{"format": req.Format})
			return
		}

		ctx, cancel := utils.WithIngestTimeout(c.Request.Context())
		defer cancel()

		file, err := exporter.Export(ctx, req)
		if err != nil {
			utils.RespondWithInternalError(c, "Export failed", gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", "attachment; filename=\""+file.Filename+"\"")
		c.Header("X-Record-Count", strconv.Itoa(file.RecordCount))
		c.Data(http.StatusOK, file.ContentType, file.Data)
	}
}
