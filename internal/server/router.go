package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/bookings"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/closures"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionContextKey      = "clubhouse_session"
	defaultDurationMinutes = 60
	defaultRecentRuns      = 20
	maxRecentRuns          = 200
	runFeedHeartbeat       = 25 * time.Second
)

var (
	errMissingSessions     = errors.New("session validator dependency required")
	errMissingAvailability = errors.New("availability dependency required")
	errMissingReconciler   = errors.New("reconciler dependency required")
)

// SessionValidator authenticates member and staff requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateStaffRequest(r *http.Request) (auth.SessionClaims, error)
}

// AvailabilityService computes slot grids.
type AvailabilityService interface {
	Resolve(ctx context.Context, resourceID int64, date businesstime.Date, durationMinutes int) (availability.Result, error)
}

// Reconciler runs on-demand reconcile passes.
type Reconciler interface {
	TriggerReconcile(ctx context.Context, kind records.Kind) reconcile.Result
}

// RunHistory lists recorded passes.
type RunHistory interface {
	RecentRuns(ctx context.Context, kind records.Kind, limit int) ([]records.SyncRun, error)
}

// ClosureService applies staff closure writes.
type ClosureService interface {
	UpsertClosure(ctx context.Context, input closures.Input) (string, error)
	DeactivateClosure(ctx context.Context, id string) error
}

// BlockWriter stores manual availability blocks.
type BlockWriter interface {
	CreateBlock(ctx context.Context, block *availability.Block) error
}

// BookingPublisher pushes approved bookings to the golf calendar.
type BookingPublisher interface {
	PublishApproved(ctx context.Context, booking bookings.ApprovedBooking) (string, error)
}

// Dependencies wires the HTTP handler. Optional collaborators that are nil
// leave their routes unregistered.
type Dependencies struct {
	Sessions       SessionValidator
	Availability   AvailabilityService
	Reconciler     Reconciler
	Runs           RunHistory
	RunFeed        *RunFeed
	Closures       ClosureService
	Blocks         BlockWriter
	Bookings       BookingPublisher
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Availability == nil {
		return nil, errMissingAvailability
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		availability: deps.Availability,
		reconciler:   deps.Reconciler,
		runs:         deps.Runs,
		runFeed:      deps.RunFeed,
		closures:     deps.Closures,
		blocks:       deps.Blocks,
		bookings:     deps.Bookings,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	members := router.Group("/")
	members.Use(handler.authorizeMember)
	members.GET("/availability", handler.handleAvailability)

	staff := router.Group("/admin")
	staff.Use(handler.authorizeStaff)
	staff.POST("/reconcile/:kind", handler.handleReconcile)
	if deps.Runs != nil {
		staff.GET("/reconcile/:kind/runs", handler.handleRecentRuns)
	}
	if deps.RunFeed != nil {
		staff.GET("/reconcile-stream", handler.handleRunStream)
	}
	if deps.Closures != nil {
		staff.POST("/closures", handler.handleUpsertClosure)
		staff.DELETE("/closures/:id", handler.handleDeactivateClosure)
	}
	if deps.Blocks != nil {
		staff.POST("/blocks", handler.handleCreateBlock)
	}
	if deps.Bookings != nil {
		staff.POST("/booking-requests/approved", handler.handleBookingApproved)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions     SessionValidator
	availability AvailabilityService
	reconciler   Reconciler
	runs         RunHistory
	runFeed      *RunFeed
	closures     ClosureService
	blocks       BlockWriter
	bookings     BookingPublisher
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeMember(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logSessionFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, claims)
	c.Next()
}

func (h *httpHandler) authorizeStaff(c *gin.Context) {
	claims, err := h.sessions.ValidateStaffRequest(c.Request)
	if errors.Is(err, auth.ErrInsufficientRole) {
		h.logger.Info("staff endpoint denied", zap.String("user_id", claims.UserID), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err != nil {
		h.logSessionFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, claims)
	c.Next()
}

func (h *httpHandler) logSessionFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("session validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("session validation failed", zap.Error(err))
}

func sessionFrom(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

type availabilityResponsePayload struct {
	ResourceID      int64               `json:"resource_id"`
	Date            businesstime.Date   `json:"date"`
	DurationMinutes int                 `json:"duration_minutes"`
	Degraded        bool                `json:"degraded"`
	Slots           []availability.Slot `json:"slots"`
}

func (h *httpHandler) handleAvailability(c *gin.Context) {
	resourceID, err := strconv.ParseInt(strings.TrimSpace(c.Query("resource_id")), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource_id"})
		return
	}
	date, err := businesstime.ParseDate(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	duration := defaultDurationMinutes
	if raw := strings.TrimSpace(c.Query("duration")); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration"})
			return
		}
	}

	result, err := h.availability.Resolve(c.Request.Context(), resourceID, date, duration)
	switch {
	case errors.Is(err, availability.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration"})
		return
	case errors.Is(err, availability.ErrUnknownResource):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_resource"})
		return
	case err != nil:
		h.logger.Error("failed to compute availability", zap.Int64("resource_id", resourceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "availability_failed"})
		return
	}

	slots := result.Slots
	if slots == nil {
		slots = []availability.Slot{}
	}
	c.JSON(http.StatusOK, availabilityResponsePayload{
		ResourceID:      resourceID,
		Date:            date,
		DurationMinutes: duration,
		Degraded:        result.Degraded,
		Slots:           slots,
	})
}

type reconcileResponsePayload struct {
	reconcile.Result
	Error string `json:"error,omitempty"`
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	kind, err := records.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}
	result := h.reconciler.TriggerReconcile(c.Request.Context(), kind)
	response := reconcileResponsePayload{Result: result}
	status := http.StatusOK
	if result.Err != nil {
		response.Error = result.Err.Error()
		status = reconcileFailureStatus(result.Err)
	}
	c.JSON(status, response)
}

func reconcileFailureStatus(err error) int {
	switch {
	case errors.Is(err, records.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, calendar.ErrRemoteUnavailable), errors.Is(err, calendar.ErrCalendarNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) handleRecentRuns(c *gin.Context) {
	kind, err := records.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}
	limit := defaultRecentRuns
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxRecentRuns)
	}
	runs, err := h.runs.RecentRuns(c.Request.Context(), kind, limit)
	if err != nil {
		h.logger.Error("failed to list reconcile runs", zap.String("kind", string(kind)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "runs_failed"})
		return
	}
	if runs == nil {
		runs = []records.SyncRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

type runStreamPayload struct {
	reconcile.Result
	ElapsedMillis int64     `json:"elapsed_ms"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (h *httpHandler) handleRunStream(c *gin.Context) {
	stream, cleanup := h.runFeed.Subscribe(c.Request.Context())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(runFeedHeartbeat)
	defer heartbeat.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(runFeedEventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			return true
		case message := <-stream:
			payload := runStreamPayload{
				Result:        message.Result,
				ElapsedMillis: message.Elapsed.Milliseconds(),
				Timestamp:     message.Timestamp,
			}
			if message.Result.Err != nil {
				payload.Error = message.Result.Err.Error()
			}
			c.SSEvent(runFeedEventPass, payload)
			return true
		}
	})
}

type closureRequestPayload struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Reason        string `json:"reason"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	AffectedAreas string `json:"affected_areas"`
}

func (p closureRequestPayload) toInput(createdBy string) (closures.Input, error) {
	input := closures.Input{
		ID:            p.ID,
		Title:         p.Title,
		Reason:        p.Reason,
		AffectedAreas: p.AffectedAreas,
		CreatedBy:     createdBy,
	}
	var err error
	if input.StartDate, err = businesstime.ParseDate(p.StartDate); err != nil {
		return closures.Input{}, err
	}
	if strings.TrimSpace(p.EndDate) != "" {
		if input.EndDate, err = businesstime.ParseDate(p.EndDate); err != nil {
			return closures.Input{}, err
		}
	}
	if input.StartTime, err = optionalWallTime(p.StartTime); err != nil {
		return closures.Input{}, err
	}
	if input.EndTime, err = optionalWallTime(p.EndTime); err != nil {
		return closures.Input{}, err
	}
	return input, nil
}

func optionalWallTime(rawInput string) (*businesstime.WallTime, error) {
	if strings.TrimSpace(rawInput) == "" {
		return nil, nil
	}
	wall, err := businesstime.ParseWallTime(rawInput)
	if err != nil {
		return nil, err
	}
	return &wall, nil
}

func (h *httpHandler) handleUpsertClosure(c *gin.Context) {
	var request closureRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input, err := request.toInput(sessionFrom(c).UserEmail)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	id, err := h.closures.UpsertClosure(c.Request.Context(), input)
	if err != nil {
		h.writeServiceError(c, "failed to save closure", err)
		return
	}
	status := http.StatusOK
	if input.ID == "" {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": id})
}

func (h *httpHandler) handleDeactivateClosure(c *gin.Context) {
	if err := h.closures.DeactivateClosure(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, "failed to deactivate closure", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type blockRequestPayload struct {
	ResourceID int64  `json:"resource_id"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Notes      string `json:"notes"`
}

func (h *httpHandler) handleCreateBlock(c *gin.Context) {
	var request blockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ResourceID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	date, dateErr := businesstime.ParseDate(request.Date)
	start, startErr := businesstime.ParseWallTime(request.StartTime)
	end, endErr := businesstime.ParseWallTime(request.EndTime)
	if err := errors.Join(dateErr, startErr, endErr); err != nil || end <= start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	block := &availability.Block{
		ResourceID: request.ResourceID,
		Date:       date,
		StartTime:  start,
		EndTime:    end,
		BlockType:  availability.BlockTypeManual,
		Notes:      strings.TrimSpace(request.Notes),
		CreatedBy:  sessionFrom(c).UserEmail,
	}
	if err := h.blocks.CreateBlock(c.Request.Context(), block); err != nil {
		h.logger.Error("failed to create block", zap.Int64("resource_id", request.ResourceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "block_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": block.ID})
}

func (h *httpHandler) handleBookingApproved(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	booking, err := bookings.DecodeBookingPayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	eventID, err := h.bookings.PublishApproved(c.Request.Context(), booking)
	if err != nil {
		h.writeServiceError(c, "failed to publish approved booking", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": booking.RequestID, "calendar_event_id": eventID})
}

type codedError interface {
	Code() string
}

func (h *httpHandler) writeServiceError(c *gin.Context, message string, err error) {
	var invalidRange *businesstime.InvalidRangeError
	code := ""
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	switch {
	case errors.As(err, &invalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "code": code})
	case strings.HasSuffix(code, ".invalid_input"):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code})
	case errors.Is(err, closures.ErrClosureNotFound), errors.Is(err, bookings.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "code": code})
	case strings.HasSuffix(code, ".not_approved"):
		c.JSON(http.StatusConflict, gin.H{"error": "not_approved", "code": code})
	case strings.HasSuffix(code, ".payload_mismatch"):
		c.JSON(http.StatusConflict, gin.H{"error": "payload_mismatch", "code": code})
	case errors.Is(err, calendar.ErrRemoteUnavailable), errors.Is(err, calendar.ErrCalendarNotFound), errors.Is(err, calendar.ErrReadOnly):
		h.logger.Warn(message, zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "calendar_unavailable", "code": code})
	default:
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
}
