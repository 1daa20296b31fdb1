package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/bookings"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/closures"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	staffToken   = "staff"
	memberToken  = "member"
	expiredToken = "expired"
)

type stubSessions struct{}

func (stubSessions) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	switch strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") {
	case staffToken:
		return auth.SessionClaims{UserID: "staff-1", UserEmail: "desk@example.com", UserRoles: []string{auth.RoleStaff}}, nil
	case memberToken:
		return auth.SessionClaims{UserID: "member-1", UserEmail: "pat@example.com", UserRoles: []string{"member"}}, nil
	case expiredToken:
		return auth.SessionClaims{}, auth.ErrExpiredSessionToken
	case "":
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	default:
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
}

func (s stubSessions) ValidateStaffRequest(r *http.Request) (auth.SessionClaims, error) {
	claims, err := s.ValidateRequest(r)
	if err != nil {
		return auth.SessionClaims{}, err
	}
	if !claims.IsStaff() {
		return claims, auth.ErrInsufficientRole
	}
	return claims, nil
}

type stubAvailability struct {
	result availability.Result
	err    error
	calls  int
}

func (s *stubAvailability) Resolve(_ context.Context, _ int64, _ businesstime.Date, _ int) (availability.Result, error) {
	s.calls++
	return s.result, s.err
}

type stubReconciler struct {
	result reconcile.Result
	kinds  []records.Kind
}

func (s *stubReconciler) TriggerReconcile(_ context.Context, kind records.Kind) reconcile.Result {
	s.kinds = append(s.kinds, kind)
	result := s.result
	result.Kind = kind
	return result
}

type stubRuns struct {
	limit int
}

func (s *stubRuns) RecentRuns(_ context.Context, kind records.Kind, limit int) ([]records.SyncRun, error) {
	s.limit = limit
	return []records.SyncRun{{RunID: "run-1", Kind: kind, Created: 3}}, nil
}

type stubClosures struct {
	inputs        []closures.Input
	upsertErr     error
	deactivateErr error
}

func (s *stubClosures) UpsertClosure(_ context.Context, input closures.Input) (string, error) {
	s.inputs = append(s.inputs, input)
	if s.upsertErr != nil {
		return "", s.upsertErr
	}
	if input.ID != "" {
		return input.ID, nil
	}
	return "closure-1", nil
}

func (s *stubClosures) DeactivateClosure(context.Context, string) error {
	return s.deactivateErr
}

type stubBlocks struct {
	blocks []availability.Block
}

func (s *stubBlocks) CreateBlock(_ context.Context, block *availability.Block) error {
	block.ID = int64(len(s.blocks) + 1)
	s.blocks = append(s.blocks, *block)
	return nil
}

type stubPublisher struct {
	bookings []bookings.ApprovedBooking
	err      error
}

func (s *stubPublisher) PublishApproved(_ context.Context, booking bookings.ApprovedBooking) (string, error) {
	s.bookings = append(s.bookings, booking)
	if s.err != nil {
		return "", s.err
	}
	return "golf-event-1", nil
}

type codedStubError struct {
	code string
}

func (e codedStubError) Error() string { return e.code }
func (e codedStubError) Code() string  { return e.code }

type testServer struct {
	handler      http.Handler
	availability *stubAvailability
	reconciler   *stubReconciler
	runs         *stubRuns
	closures     *stubClosures
	blocks       *stubBlocks
	publisher    *stubPublisher
	logs         *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	server := &testServer{
		availability: &stubAvailability{},
		reconciler:   &stubReconciler{},
		runs:         &stubRuns{},
		closures:     &stubClosures{},
		blocks:       &stubBlocks{},
		publisher:    &stubPublisher{},
		logs:         logs,
	}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       stubSessions{},
		Availability:   server.availability,
		Reconciler:     server.reconciler,
		Runs:           server.runs,
		Closures:       server.closures,
		Blocks:         server.blocks,
		Bookings:       server.publisher,
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		AllowedOrigins: []string{"https://club.example.com"},
		Logger:         zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	server.handler = handler
	return server
}

func (s *testServer) do(method, target, token, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSessions) {
		t.Fatalf("expected missing sessions error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Sessions: stubSessions{}}); !errors.Is(err, errMissingAvailability) {
		t.Fatalf("expected missing availability error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Sessions: stubSessions{}, Availability: &stubAvailability{}}); !errors.Is(err, errMissingReconciler) {
		t.Fatalf("expected missing reconciler error, got %v", err)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	server := newTestServer(t)
	if recorder := server.do(http.MethodGet, "/healthz", "", ""); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", recorder.Code)
	}
	recorder := server.do(http.MethodGet, "/metrics", "", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "# metrics") {
		t.Fatalf("unexpected metrics response: %d %q", recorder.Code, recorder.Body.String())
	}
}

func TestAvailabilityRequiresSession(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(http.MethodGet, "/availability?resource_id=1&date=2024-07-12", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
	if server.availability.calls != 0 {
		t.Fatalf("expected resolver not to run")
	}
}

func TestAvailabilityReturnsSlotGrid(t *testing.T) {
	server := newTestServer(t)
	server.availability.result = availability.Result{
		Degraded: true,
		Slots: []availability.Slot{
			{Start: businesstime.NewWallTime(9, 0), End: businesstime.NewWallTime(10, 0), Available: true},
			{Start: businesstime.NewWallTime(9, 30), End: businesstime.NewWallTime(10, 30), Available: false},
		},
	}

	recorder := server.do(http.MethodGet, "/availability?resource_id=1&date=2024-07-12&duration=60", memberToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		ResourceID int64  `json:"resource_id"`
		Date       string `json:"date"`
		Degraded   bool   `json:"degraded"`
		Slots      []struct {
			Start     string `json:"start_time"`
			End       string `json:"end_time"`
			Available bool   `json:"available"`
		} `json:"slots"`
	}
	decodeBody(t, recorder, &response)
	if response.Date != "2024-07-12" || !response.Degraded || len(response.Slots) != 2 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if response.Slots[1].Start != "09:30" || response.Slots[1].Available {
		t.Fatalf("unexpected second slot: %+v", response.Slots[1])
	}
}

func TestAvailabilityMapsErrors(t *testing.T) {
	testCases := []struct {
		name       string
		target     string
		resolveErr error
		wantStatus int
	}{
		{name: "bad resource", target: "/availability?resource_id=abc&date=2024-07-12", wantStatus: http.StatusBadRequest},
		{name: "bad date", target: "/availability?resource_id=1&date=07/12/2024", wantStatus: http.StatusBadRequest},
		{name: "bad duration", target: "/availability?resource_id=1&date=2024-07-12&duration=x", wantStatus: http.StatusBadRequest},
		{name: "non-positive duration", target: "/availability?resource_id=1&date=2024-07-12&duration=0", resolveErr: availability.ErrInvalidDuration, wantStatus: http.StatusBadRequest},
		{name: "unknown resource", target: "/availability?resource_id=99&date=2024-07-12", resolveErr: fmt.Errorf("%w: 99", availability.ErrUnknownResource), wantStatus: http.StatusNotFound},
		{name: "local failure", target: "/availability?resource_id=1&date=2024-07-12", resolveErr: errors.New("disk gone"), wantStatus: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t)
			server.availability.err = testCase.resolveErr
			if recorder := server.do(http.MethodGet, testCase.target, memberToken, ""); recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
		})
	}
}

func TestStaffRoutesRejectMembers(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(http.MethodPost, "/admin/reconcile/events", memberToken, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", recorder.Code)
	}
	if len(server.reconciler.kinds) != 0 {
		t.Fatalf("expected no pass to run")
	}
}

func TestSessionFailuresLogByCause(t *testing.T) {
	server := newTestServer(t)
	server.do(http.MethodPost, "/admin/reconcile/events", expiredToken, "")
	server.do(http.MethodPost, "/admin/reconcile/events", "forged", "")

	entries := server.logs.FilterMessage("session validation failed").All()
	if len(entries) != 2 {
		t.Fatalf("expected two session log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for invalid token, got %s", entries[1].Level)
	}
}

func TestReconcileTriggersPass(t *testing.T) {
	server := newTestServer(t)
	server.reconciler.result = reconcile.Result{RunID: "run-9", Fetched: 4, Created: 1}

	recorder := server.do(http.MethodPost, "/admin/reconcile/wellness_classes", staffToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", recorder.Code, recorder.Body.String())
	}
	var response map[string]any
	decodeBody(t, recorder, &response)
	if response["kind"] != "wellness" || response["run_id"] != "run-9" || response["created"] != float64(1) {
		t.Fatalf("unexpected response: %v", response)
	}
	if _, ok := response["error"]; ok {
		t.Fatalf("expected no error field, got %v", response["error"])
	}
}

func TestReconcileReportsUnavailableCalendar(t *testing.T) {
	server := newTestServer(t)
	server.reconciler.result = reconcile.Result{Err: fmt.Errorf("%w: timeout", calendar.ErrRemoteUnavailable)}

	recorder := server.do(http.MethodPost, "/admin/reconcile/closures", staffToken, "")
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected bad gateway, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "remote unavailable") {
		t.Fatalf("expected error detail, got %s", recorder.Body.String())
	}
}

func TestReconcileRejectsUnknownKind(t *testing.T) {
	server := newTestServer(t)
	if recorder := server.do(http.MethodPost, "/admin/reconcile/menus", staffToken, ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestRecentRunsCapsLimit(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(http.MethodGet, "/admin/reconcile/events/runs?limit=5000", staffToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if server.runs.limit != maxRecentRuns {
		t.Fatalf("expected limit capped at %d, got %d", maxRecentRuns, server.runs.limit)
	}
	if !strings.Contains(recorder.Body.String(), `"run_id":"run-1"`) {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestUpsertClosureCreatesWithStaffIdentity(t *testing.T) {
	server := newTestServer(t)
	body := `{"title":"Tournament","start_date":"2024-07-15","end_date":"2024-07-17","start_time":"12:00","end_time":"18:00","affected_areas":"all_bays"}`

	recorder := server.do(http.MethodPost, "/admin/closures", staffToken, body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d %s", recorder.Code, recorder.Body.String())
	}
	if len(server.closures.inputs) != 1 {
		t.Fatalf("expected one upsert, got %d", len(server.closures.inputs))
	}
	input := server.closures.inputs[0]
	if input.CreatedBy != "desk@example.com" || input.AffectedAreas != "all_bays" {
		t.Fatalf("unexpected input: %+v", input)
	}
	if input.StartTime == nil || *input.StartTime != businesstime.NewWallTime(12, 0) {
		t.Fatalf("unexpected start time: %v", input.StartTime)
	}
	if input.EndDate != businesstime.NewDate(2024, time.July, 17) {
		t.Fatalf("unexpected end date: %s", input.EndDate)
	}
}

func TestUpsertClosureMapsServiceErrors(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "unparseable date", body: `{"start_date":"tomorrow","affected_areas":"bay_1"}`, wantStatus: http.StatusBadRequest},
		{name: "reversed range", body: `{"start_date":"2024-07-17","end_date":"2024-07-15","affected_areas":"bay_1"}`, err: fmt.Errorf("closures.upsert.invalid_input: %w", &businesstime.InvalidRangeError{}), wantStatus: http.StatusBadRequest},
		{name: "unknown closure", body: `{"id":"missing","start_date":"2024-07-15","affected_areas":"bay_1"}`, err: fmt.Errorf("load: %w", closures.ErrClosureNotFound), wantStatus: http.StatusNotFound},
		{name: "storage failure", body: `{"start_date":"2024-07-15","affected_areas":"bay_1"}`, err: codedStubError{code: "closures.upsert.save_failed"}, wantStatus: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t)
			server.closures.upsertErr = testCase.err
			if recorder := server.do(http.MethodPost, "/admin/closures", staffToken, testCase.body); recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestDeactivateClosure(t *testing.T) {
	server := newTestServer(t)
	if recorder := server.do(http.MethodDelete, "/admin/closures/closure-1", staffToken, ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content, got %d", recorder.Code)
	}
	server.closures.deactivateErr = fmt.Errorf("closures.deactivate.not_found: %w", closures.ErrClosureNotFound)
	if recorder := server.do(http.MethodDelete, "/admin/closures/closure-2", staffToken, ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}

func TestCreateManualBlock(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(http.MethodPost, "/admin/blocks", staffToken, `{"resource_id":3,"date":"2024-07-12","start_time":"14:00","end_time":"15:30","notes":"maintenance"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d %s", recorder.Code, recorder.Body.String())
	}
	if len(server.blocks.blocks) != 1 {
		t.Fatalf("expected one block, got %d", len(server.blocks.blocks))
	}
	block := server.blocks.blocks[0]
	if block.BlockType != availability.BlockTypeManual || block.SourceClosureID != nil || block.CreatedBy != "desk@example.com" {
		t.Fatalf("unexpected block: %+v", block)
	}

	if recorder := server.do(http.MethodPost, "/admin/blocks", staffToken, `{"resource_id":3,"date":"2024-07-12","start_time":"15:30","end_time":"14:00"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected inverted block to be rejected, got %d", recorder.Code)
	}
}

func TestBookingApprovedAcceptsCamelCasePayload(t *testing.T) {
	server := newTestServer(t)
	body := `{"requestId":7,"bayId":2,"userEmail":"pat@example.com","requestDate":"2024-07-12","startTime":"18:00","endTime":"19:30"}`

	recorder := server.do(http.MethodPost, "/admin/booking-requests/approved", staffToken, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", recorder.Code, recorder.Body.String())
	}
	if len(server.publisher.bookings) != 1 || server.publisher.bookings[0].RequestID != 7 || server.publisher.bookings[0].ResourceID != 2 {
		t.Fatalf("unexpected published booking: %+v", server.publisher.bookings)
	}
	if !strings.Contains(recorder.Body.String(), "golf-event-1") {
		t.Fatalf("expected calendar event id in response, got %s", recorder.Body.String())
	}
}

func TestBookingApprovedMapsErrors(t *testing.T) {
	body := `{"id":7,"bay_id":2,"user_email":"pat@example.com","request_date":"2024-07-12","start_time":"18:00","end_time":"19:30"}`
	testCases := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "malformed payload", body: `{"id":"seven"}`, wantStatus: http.StatusBadRequest},
		{name: "not approved", body: body, err: codedStubError{code: "bookings.publish_approved.not_approved"}, wantStatus: http.StatusConflict},
		{name: "payload disagrees with stored slot", body: body, err: codedStubError{code: "bookings.publish_approved.payload_mismatch"}, wantStatus: http.StatusConflict},
		{name: "unknown request", body: body, err: fmt.Errorf("lookup: %w", bookings.ErrRequestNotFound), wantStatus: http.StatusNotFound},
		{name: "calendar down", body: body, err: fmt.Errorf("create: %w", calendar.ErrRemoteUnavailable), wantStatus: http.StatusBadGateway},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t)
			server.publisher.err = testCase.err
			if recorder := server.do(http.MethodPost, "/admin/booking-requests/approved", staffToken, testCase.body); recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestCORSAllowsConfiguredOriginWithCredentials(t *testing.T) {
	server := newTestServer(t)
	request := httptest.NewRequest(http.MethodOptions, "/availability", http.NoBody)
	request.Header.Set("Origin", "https://club.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://club.example.com" {
		t.Fatalf("unexpected allowed origin: %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}
