package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anime-shed/meter-inspector-go/internal/config"
	"github.com/anime-shed/meter-inspector-go/internal/connectivity"
	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/internal/logger"
	"github.com/anime-shed/meter-inspector-go/internal/repository"
	"github.com/anime-shed/meter-inspector-go/internal/service"
	"github.com/anime-shed/meter-inspector-go/internal/session"
	"github.com/anime-shed/meter-inspector-go/internal/strategy"
	"github.com/anime-shed/meter-inspector-go/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Dependencies are the collaborators the HTTP API is built on
type Dependencies struct {
	Service    service.LeakDetectionService
	Images     repository.ImageRepository
	Sessions   *session.Manager
	Presenters *strategy.PresentationContext
	Monitor    connectivity.Monitor
	// Switch is set when the host reports connectivity itself
	Switch   *connectivity.ManualMonitor
	Registry *prometheus.Registry
	Config   *config.Config
}

func NewHandler(deps Dependencies) (http.Handler, error) {
	metrics, err := newHTTPMetrics(deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	r := gin.New()

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		metrics.instrument(),
		requestSizeLimiter(deps.Config.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", healthCheck(deps))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	r.POST("/captures", uploadCapture(deps))

	r.POST("/analyses", analyzePair(deps))
	r.GET("/analyses/pending", listPending(deps))
	r.GET("/analyses/:id", analysisStatus(deps))

	r.POST("/sessions", createSession(deps))
	r.GET("/sessions/:id", getSession(deps))
	r.POST("/sessions/:id/before", sessionCapture(deps, true))
	r.POST("/sessions/:id/after", sessionCapture(deps, false))
	r.POST("/sessions/:id/analyze", analyzeSession(deps))

	r.POST("/connectivity", setConnectivity(deps))

	return r, nil
}

func healthCheck(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":    "available",
			"version":   "1.0.0",
			"time":      time.Now().UTC().Format(time.RFC3339),
			"connected": deps.Monitor.IsConnected(),
		}
		stats, err := deps.Service.QueueStats(c.Request.Context())
		if err != nil {
			logger.WithError(err).Warn("Queue stats unavailable for health check")
			body["status"] = "degraded"
		} else {
			body["queue"] = stats
		}
		c.JSON(http.StatusOK, body)
	}
}

func uploadCapture(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := storeCapture(c, deps)
		if err != nil {
			respondError(c, "failed to store capture", err)
			return
		}
		c.JSON(http.StatusCreated, record)
	}
}

func analyzePair(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		presenter, err := deps.Presenters.Select(c.Query("presentation"))
		if err != nil {
			respondError(c, "invalid presentation", err)
			return
		}

		var req models.AnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, "invalid request format", apperrors.NewValidationError("invalid request body", err))
			return
		}

		run(c, deps, presenter, req.Before, req.After)
	}
}

// run hands the pair to the service and writes either the presented decision
// or the queue acknowledgement
func run(c *gin.Context, deps Dependencies, presenter strategy.PresentationStrategy, before, after models.ImageRecord) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), deps.Config.RequestTimeout)
	defer cancel()

	outcome, err := deps.Service.EnqueueOrAnalyze(ctx, before, after)
	if err != nil {
		respondError(c, "analysis failed", err)
		return
	}

	if outcome.Queued() {
		logger.WithAnalysis(outcome.QueuedID).Info("Analysis accepted for later")
		c.JSON(http.StatusAccepted, models.QueuedResponse{
			QueuedID: outcome.QueuedID,
			Status:   string(models.StatusPending),
		})
		return
	}

	resp := presenter.Present(*outcome.Decision)
	logger.WithFields(logrus.Fields{
		"verdict":            outcome.Decision.Result,
		"presented":          resp.Verdict,
		"confidence":         outcome.Decision.Confidence,
		"processing_time_ms": time.Since(startTime).Milliseconds(),
	}).Info("Leak analysis completed successfully")
	c.JSON(http.StatusOK, resp)
}

func listPending(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		pending, err := deps.Service.Pending(c.Request.Context())
		if err != nil {
			respondError(c, "failed to list pending analyses", err)
			return
		}
		if pending == nil {
			pending = []*models.PendingAnalysis{}
		}
		c.JSON(http.StatusOK, gin.H{"pending": pending, "count": len(pending)})
	}
}

func analysisStatus(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := deps.Service.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, "failed to load analysis", err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func createSession(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusCreated, deps.Sessions.Create())
	}
}

func getSession(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := deps.Sessions.Get(c.Param("id"))
		if err != nil {
			respondError(c, "failed to load session", err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func sessionCapture(deps Dependencies, before bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		// fail before storing bytes for a session that does not exist
		if _, err := deps.Sessions.Get(id); err != nil {
			respondError(c, "failed to load session", err)
			return
		}

		record, err := storeCapture(c, deps)
		if err != nil {
			respondError(c, "failed to store capture", err)
			return
		}

		var s *session.Session
		if before {
			s, err = deps.Sessions.SetBefore(id, record)
		} else {
			s, err = deps.Sessions.SetAfter(id, record)
		}
		if err != nil {
			respondError(c, "failed to update session", err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func analyzeSession(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		presenter, err := deps.Presenters.Select(c.Query("presentation"))
		if err != nil {
			respondError(c, "invalid presentation", err)
			return
		}

		id := c.Param("id")
		before, after, err := deps.Sessions.Pair(id)
		if err != nil {
			respondError(c, "session not ready", err)
			return
		}

		run(c, deps, presenter, before, after)
		if c.Writer.Status() < http.StatusBadRequest {
			deps.Sessions.Close(id)
		}
	}
}

func setConnectivity(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Switch == nil {
			respondError(c, "connectivity is probed", apperrors.NewConflictError("connectivity is not host-driven in this mode", nil))
			return
		}

		var req models.ConnectivityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, "invalid request format", apperrors.NewValidationError("invalid request body", err))
			return
		}
		deps.Switch.Set(*req.Connected)
		c.JSON(http.StatusOK, gin.H{"connected": deps.Switch.IsConnected()})
	}
}

// storeCapture reads the multipart "image" part and its capture metadata, then
// persists the bytes
func storeCapture(c *gin.Context, deps Dependencies) (models.ImageRecord, error) {
	file, err := c.FormFile("image")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return models.ImageRecord{}, err
	}
	if err != nil {
		return models.ImageRecord{}, apperrors.NewValidationError("multipart field \"image\" is required", err)
	}
	f, err := file.Open()
	if err != nil {
		return models.ImageRecord{}, apperrors.NewValidationError("cannot read uploaded image", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return models.ImageRecord{}, apperrors.NewValidationError("cannot read uploaded image", err)
	}

	capturedAt := time.Now().UTC()
	if raw := strings.TrimSpace(c.PostForm("captured_at")); raw != "" {
		capturedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return models.ImageRecord{}, apperrors.NewValidationError("captured_at must be RFC 3339", err)
		}
	}

	var pose models.SensorPose
	for _, field := range []struct {
		name string
		dst  *float64
	}{
		{"pitch", &pose.Pitch},
		{"roll", &pose.Roll},
		{"yaw", &pose.Yaw},
	} {
		raw := strings.TrimSpace(c.PostForm(field.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.ImageRecord{}, apperrors.NewValidationError(field.name+" must be a number", err)
		}
		*field.dst = v
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deps.Config.RequestTimeout)
	defer cancel()

	record, err := deps.Images.Store(ctx, "", data, capturedAt, pose)
	if err != nil {
		return models.ImageRecord{}, err
	}
	logger.WithFields(logrus.Fields{
		"uri":    record.URI,
		"width":  record.Width,
		"height": record.Height,
		"bytes":  len(data),
	}).Info("Capture stored")
	return record, nil
}
