package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cardscan/internal/auth"
	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/fingerprint"
	"github.com/example/cardscan/internal/lookup"
	"github.com/example/cardscan/internal/rebuild"
	"github.com/example/cardscan/internal/usecase"
)

// MaxUploadSize bounds identify uploads.
const MaxUploadSize = 10 << 20

// UploadField is the multipart field carrying the image.
const UploadField = "file"

// RebuildTimeout bounds a rebuild started over HTTP. The rebuild does not
// follow the client connection, so a disconnect leaves it running.
const RebuildTimeout = 30 * time.Minute

// CardService is the behaviour the HTTP layer needs from the use case.
type CardService interface {
	Identify(ctx context.Context, imageBytes []byte) (*usecase.IdentifyResult, error)
	Search(ctx context.Context, query string) ([]lookup.SearchHit, error)
	Rebuild(ctx context.Context, hashing *bool) (rebuild.Result, error)
	GetCard(ctx context.Context, id string) (*usecase.CardView, error)
	GetStatus(ctx context.Context) *usecase.Status
	GetResult(ctx context.Context, requestID string) (*usecase.IdentifyResult, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. rebuildAuth
// guards the rebuild endpoint.
func RegisterRoutes(router *gin.Engine, svc CardService, rebuildAuth gin.HandlerFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "loaded": svc.GetStatus(c.Request.Context()).Loaded})
	})
	router.POST("/identify", h.identify)
	router.GET("/search", h.search)
	router.GET("/cards/:id", h.card)
	router.GET("/status", h.status)
	router.GET("/result/:id", h.result)
	router.GET("/metrics", h.metrics)

	if rebuildAuth == nil {
		rebuildAuth = auth.JWTMiddleware("", "", "")
	}
	router.POST("/update_db", rebuildAuth, h.updateDB)
}

type handler struct {
	svc    CardService
	logger *zap.Logger
}

func (h *handler) identify(c *gin.Context) {
	if c.Request.ContentLength > MaxUploadSize+1<<20 {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)

	file, err := c.FormFile(UploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	if !strings.HasPrefix(strings.ToLower(file.Header.Get("Content-Type")), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file must be an image"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}
	if len(data) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	result, err := h.svc.Identify(c.Request.Context(), data)
	if err != nil {
		h.fail(c, "identify", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) search(c *gin.Context) {
	query := c.Query("q")
	if strings.TrimSpace(query) == "" {
		c.JSON(http.StatusOK, gin.H{"results": []lookup.SearchHit{}})
		return
	}
	hits, err := h.svc.Search(c.Request.Context(), query)
	if err != nil {
		h.fail(c, "search", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

func (h *handler) updateDB(c *gin.Context) {
	var hashing *bool
	if raw := c.Query("hashing"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hashing must be true or false"})
			return
		}
		hashing = &value
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), RebuildTimeout)
	defer cancel()

	result, err := h.svc.Rebuild(ctx, hashing)
	if err != nil {
		h.fail(c, "update_db", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"count":  result.Records,
		"result": result,
	})
}

func (h *handler) card(c *gin.Context) {
	view, err := h.svc.GetCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "card", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetStatus(c.Request.Context()))
}

func (h *handler) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	result, err := h.svc.GetResult(c.Request.Context(), requestID)
	if err != nil {
		h.fail(c, "result", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, "metrics", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// fail maps domain errors to HTTP responses.
func (h *handler) fail(c *gin.Context, route string, err error) {
	status, body := http.StatusInternalServerError, gin.H{"error": "internal error"}
	switch {
	case errors.Is(err, catalog.ErrDatabaseUnavailable):
		status, body = http.StatusServiceUnavailable, gin.H{"error": "database not loaded"}
	case errors.Is(err, usecase.ErrFingerprintsUnavailable):
		status, body = http.StatusServiceUnavailable, gin.H{"error": "database has no fingerprints", "code": "fingerprints_unavailable"}
	case errors.Is(err, fingerprint.ErrDecode):
		status, body = http.StatusUnprocessableEntity, gin.H{"error": "could not process image"}
	case errors.Is(err, rebuild.ErrRebuildInProgress):
		status, body = http.StatusConflict, gin.H{"error": "rebuild already in progress"}
	case errors.Is(err, usecase.ErrCardNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "card not found"}
	case errors.Is(err, usecase.ErrResultNotFound):
		status, body = http.StatusNotFound, gin.H{"error": "result not found"}
	case errors.Is(err, usecase.ErrHistoryUnavailable):
		status, body = http.StatusServiceUnavailable, gin.H{"error": "history not configured"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, body = http.StatusServiceUnavailable, gin.H{"error": "request cancelled"}
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", zap.String("route", route), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("route", route), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, body)
}
