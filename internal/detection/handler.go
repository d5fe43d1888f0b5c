package detection

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mntrk/observatory-backend/internal/audit"
	"github.com/mntrk/observatory-backend/internal/ratelimit"
	"github.com/mntrk/observatory-backend/internal/shared"
)

// IngestResponse tells the producer which store took the batch. A degraded
// write (one store down) is still a 2xx; downstream monitoring alerts on
// sustained secondary failure from this payload.
type IngestResponse struct {
	BatchID     string `json:"batch_id"`
	PrimaryOK   bool   `json:"primary_ok"`
	SecondaryOK bool   `json:"secondary_ok"`
	InsertError string `json:"insert_error,omitempty"`
}

// RateLimitResponse is the 429 body, mirrored by the Retry-After header.
type RateLimitResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

type ListResponse struct {
	Detections []*Record `json:"detections"`
	Count      int       `json:"count"`
}

type RecentResponse struct {
	Detections []*LiveDetection `json:"detections"`
	Count      int              `json:"count"`
}

type Handler struct {
	writer      *Writer
	store       *Store
	liveStore   *LiveStore
	limiter     *ratelimit.Limiter
	auditor     *audit.Recorder
	writePolicy ratelimit.Policy
	readPolicy  ratelimit.Policy
	logger      *slog.Logger
}

func NewHandler(
	writer *Writer,
	store *Store,
	liveStore *LiveStore,
	limiter *ratelimit.Limiter,
	auditor *audit.Recorder,
	writePolicy ratelimit.Policy,
	readPolicy ratelimit.Policy,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		writer:      writer,
		store:       store,
		liveStore:   liveStore,
		limiter:     limiter,
		auditor:     auditor,
		writePolicy: writePolicy,
		readPolicy:  readPolicy,
		logger:      logger.With("handler", "detection"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Ingest)
	g.GET("", h.List)
	g.GET("/recent", h.Recent)
	g.GET("/summary", h.Summary)
	g.GET("/:id", h.GetByID)
}

// Ingest godoc
// @Summary      Ingest a detection batch
// @Description  Persists one inference run's output to the primary and live stores
// @Tags         detections
// @Accept       json
// @Produce      json
// @Param        request  body      DetectionBatch  true  "Detection batch"
// @Success      201      {object}  IngestResponse
// @Failure      400      {object}  map[string]string
// @Failure      429      {object}  RateLimitResponse
// @Failure      500      {object}  map[string]string
// @Router       /detections [post]
func (h *Handler) Ingest(c echo.Context) error {
	caller := c.RealIP()

	var batch DetectionBatch
	if err := c.Bind(&batch); err != nil {
		h.recordAudit(caller, "", "malformed payload")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
	}

	if err := batch.Validate(); err != nil {
		h.recordAudit(caller, "", "validation failed: "+err.Error())
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if decision := h.limiter.Admit(caller, h.writePolicy); !decision.Allowed {
		retryAfter := decision.RetryAfter(time.Now())
		h.recordAudit(caller, "", "rate limited")
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
		return c.JSON(http.StatusTooManyRequests, RateLimitResponse{
			Error:             "Rate limit exceeded",
			RetryAfterSeconds: retryAfter,
		})
	}

	result, err := h.writer.Write(c.Request().Context(), &batch)
	if err != nil {
		h.recordAudit(caller, result.BatchID, "write failed")
		if errors.Is(err, ErrAllStoresFailed) {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": result.InsertError})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	h.recordAudit(caller, result.BatchID,
		fmt.Sprintf("source=%s items=%d confidence=%.2f", batch.Source, len(batch.Items), batch.ConfidenceAggregate()))

	return c.JSON(http.StatusCreated, IngestResponse{
		BatchID:     result.BatchID,
		PrimaryOK:   result.PrimaryOK,
		SecondaryOK: result.SecondaryOK,
		InsertError: result.InsertError,
	})
}

// List godoc
// @Summary      List historical detections
// @Tags         detections
// @Produce      json
// @Param        source  query     string  false  "Producer tag filter"
// @Param        since   query     string  false  "RFC3339 lower bound"
// @Param        until   query     string  false  "RFC3339 upper bound"
// @Param        limit   query     int     false  "Max rows (default 100)"
// @Success      200     {object}  ListResponse
// @Failure      400     {object}  shared.APIError
// @Failure      429     {object}  RateLimitResponse
// @Router       /detections [get]
func (h *Handler) List(c echo.Context) error {
	if err := h.admitRead(c); err != nil {
		return err
	}

	filter := ListFilter{Source: c.QueryParam("source")}

	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return shared.BadRequest("invalid_since", "since must be RFC3339")
		}
		filter.Since = t
	}
	if until := c.QueryParam("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return shared.BadRequest("invalid_until", "until must be RFC3339")
		}
		filter.Until = t
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return shared.BadRequest("invalid_limit", "limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	records, err := h.store.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("failed to list detections", "error", err)
		return shared.InternalError("list_failed", "failed to list detections")
	}

	return c.JSON(http.StatusOK, ListResponse{Detections: records, Count: len(records)})
}

// Recent godoc
// @Summary      Recent live detections
// @Description  Latest batch summaries from the live store, newest first
// @Tags         detections
// @Produce      json
// @Param        limit  query     int  false  "Max rows (default 200)"
// @Success      200    {object}  RecentResponse
// @Failure      429    {object}  RateLimitResponse
// @Router       /detections/recent [get]
func (h *Handler) Recent(c echo.Context) error {
	if err := h.admitRead(c); err != nil {
		return err
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	detections, err := h.liveStore.Recent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("failed to read live store", "error", err)
		return shared.InternalError("recent_failed", "failed to read recent detections")
	}

	return c.JSON(http.StatusOK, RecentResponse{Detections: detections, Count: len(detections)})
}

// Summary godoc
// @Summary      Detection analytics rollup
// @Tags         detections
// @Produce      json
// @Success      200  {object}  Summary
// @Failure      429  {object}  RateLimitResponse
// @Router       /detections/summary [get]
func (h *Handler) Summary(c echo.Context) error {
	if err := h.admitRead(c); err != nil {
		return err
	}

	summary, err := h.store.Summarize(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to summarize detections", "error", err)
		return shared.InternalError("summary_failed", "failed to summarize detections")
	}

	return c.JSON(http.StatusOK, summary)
}

// GetByID godoc
// @Summary      Get one detection row
// @Tags         detections
// @Produce      json
// @Param        id   path      string  true  "Detection row id"
// @Success      200  {object}  Record
// @Failure      404  {object}  shared.APIError
// @Failure      429  {object}  RateLimitResponse
// @Router       /detections/{id} [get]
func (h *Handler) GetByID(c echo.Context) error {
	if err := h.admitRead(c); err != nil {
		return err
	}

	rec, err := h.store.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("detection_not_found", "detection not found")
		}
		h.logger.Error("failed to get detection", "error", err, "id", c.Param("id"))
		return shared.InternalError("get_failed", "failed to get detection")
	}

	return c.JSON(http.StatusOK, rec)
}

// admitRead returns nil when the caller is admitted. On rejection it commits
// the 429 response itself and returns a non-nil error so the endpoint stops;
// echo skips its error handler for committed responses.
func (h *Handler) admitRead(c echo.Context) error {
	decision := h.limiter.Admit(c.RealIP(), h.readPolicy)
	if decision.Allowed {
		return nil
	}

	retryAfter := decision.RetryAfter(time.Now())
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	if err := c.JSON(http.StatusTooManyRequests, RateLimitResponse{
		Error:             "Rate limit exceeded",
		RetryAfterSeconds: retryAfter,
	}); err != nil {
		return err
	}
	return echo.ErrTooManyRequests
}

func (h *Handler) recordAudit(caller, resourceID, summary string) {
	h.auditor.Record(audit.Entry{
		Caller:         caller,
		Action:         "CREATE",
		Resource:       "detection",
		ResourceID:     resourceID,
		PayloadSummary: summary,
	})
}
