package survey

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
	surveyapp "github.com/sngm3741/lisd-survey/api/internal/survey/application"
)

// Handler wires survey HTTP endpoints to application services.
type Handler struct {
	logger     *zap.Logger
	users      *surveyapp.UserService
	tracker    *surveyapp.ProgressTracker
	pipeline   *surveyapp.SubmissionPipeline
	aggregator *surveyapp.ResultsAggregator
	catalog    *surveyapp.SurveyCatalog
	location   *time.Location
	now        func() time.Time
	validate   *validator.Validate
	heartbeat  time.Duration
}

// Config defines dependencies required by Handler.
type Config struct {
	Logger     *zap.Logger
	Users      *surveyapp.UserService
	Tracker    *surveyapp.ProgressTracker
	Pipeline   *surveyapp.SubmissionPipeline
	Aggregator *surveyapp.ResultsAggregator
	Catalog    *surveyapp.SurveyCatalog
	Location   *time.Location
	Now        func() time.Time
	// Heartbeat overrides the keep-alive interval of result streams.
	Heartbeat time.Duration
}

// NewHandler constructs the survey HTTP handler set.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = common.StreamHeartbeat
	}
	return &Handler{
		logger:     logger,
		users:      cfg.Users,
		tracker:    cfg.Tracker,
		pipeline:   cfg.Pipeline,
		aggregator: cfg.Aggregator,
		catalog:    cfg.Catalog,
		location:   location,
		now:        now,
		validate:   validator.New(),
		heartbeat:  heartbeat,
	}
}

// Register mounts all survey routes onto the router. Every route requires authentication.
func (h *Handler) Register(r chi.Router, authMiddleware func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Get("/me", h.meHandler())
		r.Patch("/me/tags", h.updateTagsHandler())
		r.Get("/me/surveys", h.partitionHandler())
		r.Post("/auth/logout", h.logoutHandler())

		r.Get("/surveys", h.eligibleListHandler())
		r.Route("/surveys/{id}", func(r chi.Router) {
			r.Get("/", h.surveyDetailHandler())
			r.Get("/progress", h.progressHandler())
			r.Put("/answers/{index}", h.recordAnswerHandler())
			r.Post("/advance", h.advanceHandler())
			r.Post("/submit", h.submitHandler())
			r.Post("/expire", h.expireHandler())
			r.Get("/results", h.resultsHandler())
			r.Get("/questions/{index}/results/stream", h.resultsStreamHandler())
		})
	})
}
