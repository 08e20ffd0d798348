package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anime-shed/meter-inspector-go/internal/analyzer"
	"github.com/anime-shed/meter-inspector-go/internal/config"
	"github.com/anime-shed/meter-inspector-go/internal/connectivity"
	"github.com/anime-shed/meter-inspector-go/internal/queue"
	"github.com/anime-shed/meter-inspector-go/internal/repository"
	"github.com/anime-shed/meter-inspector-go/internal/service"
	"github.com/anime-shed/meter-inspector-go/internal/session"
	"github.com/anime-shed/meter-inspector-go/internal/storage"
	"github.com/anime-shed/meter-inspector-go/internal/strategy"
	"github.com/anime-shed/meter-inspector-go/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler http.Handler
	monitor *connectivity.ManualMonitor
}

func newTestServer(t *testing.T, connected bool, hostDriven bool) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewFileStorage(filepath.Join(dir, "captures"))
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	repo := repository.NewBlobImageRepository(store)

	q, err := queue.Open(context.Background(), queue.Options{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	monitor := connectivity.NewManualMonitor(connected)
	orchestrator := analyzer.NewOrchestratorFromOptions(repo, analyzer.DefaultOptions().WithRegion(analyzer.FullFrame), nil)
	svc := service.NewLeakDetectionService(orchestrator, q, monitor, nil, service.Options{AnalysisTimeout: 10 * time.Second})

	deps := Dependencies{
		Service:    svc,
		Images:     repo,
		Sessions:   session.NewManager(),
		Presenters: strategy.NewPresentationContext(),
		Monitor:    monitor,
		Registry:   prometheus.NewRegistry(),
		Config:     config.Default(),
	}
	if hostDriven {
		deps.Switch = monitor
	}

	h, err := NewHandler(deps)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testServer{handler: h, monitor: monitor}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *testServer) upload(t *testing.T, path string, capturedAt time.Time) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "meter.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(meterPNG(t))
	mw.WriteField("captured_at", capturedAt.Format(time.RFC3339))
	mw.WriteField("pitch", "1.5")
	mw.WriteField("yaw", "-90")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req)
}

func (s *testServer) capture(t *testing.T, capturedAt time.Time) models.ImageRecord {
	t.Helper()
	w := s.upload(t, "/captures", capturedAt)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 from /captures, got %d: %s", w.Code, w.Body.String())
	}
	var record models.ImageRecord
	decode(t, w, &record)
	return record
}

func meterPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.RGBA{100, 100, 100, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, true, true)

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "available" || body["connected"] != true {
		t.Errorf("Unexpected health body %v", body)
	}
	if _, ok := body["queue"]; !ok {
		t.Error("Expected queue stats in health body")
	}
}

func TestUploadCapture(t *testing.T) {
	s := newTestServer(t, true, true)

	record := s.capture(t, t0)
	if !strings.HasPrefix(record.URI, "file://") {
		t.Errorf("Expected file URI, got %q", record.URI)
	}
	if len(record.ContentHash) != 64 {
		t.Errorf("Expected SHA-256 content hash, got %q", record.ContentHash)
	}
	if record.Width != 120 || record.Height != 60 {
		t.Errorf("Expected 120x60, got %dx%d", record.Width, record.Height)
	}
	if !record.CapturedAt.Equal(t0) {
		t.Errorf("Expected captured_at %v, got %v", t0, record.CapturedAt)
	}
	if record.SensorPose.Pitch != 1.5 || record.SensorPose.Yaw != -90 {
		t.Errorf("Unexpected pose %+v", record.SensorPose)
	}
}

func TestUploadCapture_Rejected(t *testing.T) {
	s := newTestServer(t, true, true)

	tests := []struct {
		name  string
		field string
		data  []byte
		extra map[string]string
		want  int
	}{
		{"missing image", "photo", []byte("x"), nil, http.StatusBadRequest},
		{"not an image", "image", []byte("plain text"), nil, http.StatusUnprocessableEntity},
		{"bad timestamp", "image", nil, map[string]string{"captured_at": "yesterday"}, http.StatusBadRequest},
		{"bad pose", "image", nil, map[string]string{"roll": "level"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			if data == nil {
				data = meterPNG(t)
			}
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			part, _ := mw.CreateFormFile(tt.field, "meter.png")
			part.Write(data)
			for k, v := range tt.extra {
				mw.WriteField(k, v)
			}
			mw.Close()

			req := httptest.NewRequest(http.MethodPost, "/captures", &body)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			w := s.do(req)
			if w.Code != tt.want {
				t.Fatalf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp models.ErrorResponse
			decode(t, w, &resp)
			if resp.Type == "" || resp.Message == "" {
				t.Errorf("Expected typed error body, got %+v", resp)
			}
		})
	}
}

func TestAnalyzePair_Online(t *testing.T) {
	s := newTestServer(t, true, true)
	before := s.capture(t, t0)
	after := s.capture(t, t0.Add(2*time.Minute))

	for _, presentation := range []string{"", "ternary", "binary"} {
		t.Run("presentation="+presentation, func(t *testing.T) {
			w := s.postJSON(t, "/analyses?presentation="+presentation, models.AnalysisRequest{Before: before, After: after})
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
			}
			var resp models.VerdictResponse
			decode(t, w, &resp)
			if resp.Verdict != string(models.VerdictOK) {
				t.Errorf("Expected OK, got %s", resp.Verdict)
			}
			if resp.Decision == nil || resp.Decision.Result != models.VerdictOK {
				t.Errorf("Expected the authoritative decision to be OK, got %+v", resp.Decision)
			}
			want := presentation
			if want == "" {
				want = "ternary"
			}
			if resp.Presentation != want {
				t.Errorf("Expected presentation %s, got %s", want, resp.Presentation)
			}
		})
	}
}

func TestAnalyzePair_BadRequests(t *testing.T) {
	s := newTestServer(t, true, true)
	before := s.capture(t, t0)
	after := s.capture(t, t0.Add(2*time.Minute))

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown presentation", "/analyses?presentation=quaternary", models.AnalysisRequest{Before: before, After: after}, http.StatusBadRequest},
		{"missing records", "/analyses", map[string]string{"foo": "bar"}, http.StatusBadRequest},
		{"reversed pair", "/analyses", models.AnalysisRequest{Before: after, After: before}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.postJSON(t, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp models.ErrorResponse
			decode(t, w, &resp)
			if resp.Type != "validation" {
				t.Errorf("Expected validation error type, got %q", resp.Type)
			}
		})
	}
}

func TestAnalyzePair_OfflineIsQueued(t *testing.T) {
	s := newTestServer(t, true, true)
	before := s.capture(t, t0)
	after := s.capture(t, t0.Add(2*time.Minute))
	s.monitor.Set(false)

	w := s.postJSON(t, "/analyses", models.AnalysisRequest{Before: before, After: after})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var queued models.QueuedResponse
	decode(t, w, &queued)
	if queued.QueuedID == "" || queued.Status != "PENDING" {
		t.Fatalf("Unexpected queued response %+v", queued)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/analyses/"+queued.QueuedID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var entry models.PendingAnalysis
	decode(t, w, &entry)
	if entry.Status != models.StatusPending || entry.Before.URI != before.URI {
		t.Errorf("Unexpected queued entry %+v", entry)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/analyses/pending", nil))
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 1 {
		t.Errorf("Expected one pending analysis, got %d", list.Count)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/analyses/does-not-exist", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown analysis, got %d", w.Code)
	}
}

func TestSessionFlow(t *testing.T) {
	s := newTestServer(t, true, true)

	w := s.postJSON(t, "/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	var sess session.Session
	decode(t, w, &sess)
	base := "/sessions/" + sess.ID

	if w := s.do(httptest.NewRequest(http.MethodPost, base+"/analyze", nil)); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 analysing an empty session, got %d", w.Code)
	}
	if w := s.upload(t, base+"/after", t0); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for after without before, got %d", w.Code)
	}

	if w := s.upload(t, base+"/before", t0); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for before, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.upload(t, base+"/after", t0.Add(-time.Minute)); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an after capture taken earlier, got %d", w.Code)
	}
	w = s.upload(t, base+"/after", t0.Add(3*time.Minute))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for after, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &sess)
	if !sess.Ready() {
		t.Fatal("Expected session to hold both captures")
	}

	w = s.do(httptest.NewRequest(http.MethodPost, base+"/analyze?presentation=binary", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp models.VerdictResponse
	decode(t, w, &resp)
	if resp.Verdict != string(models.VerdictOK) || resp.Decision.ElapsedSeconds != 180 {
		t.Errorf("Unexpected verdict %+v", resp)
	}

	if w := s.do(httptest.NewRequest(http.MethodGet, base, nil)); w.Code != http.StatusNotFound {
		t.Errorf("Expected the analysed session to be closed, got %d", w.Code)
	}
}

func TestSetConnectivity(t *testing.T) {
	s := newTestServer(t, true, true)

	w := s.postJSON(t, "/connectivity", map[string]bool{"connected": false})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if s.monitor.IsConnected() {
		t.Error("Expected monitor to be offline")
	}

	if w := s.postJSON(t, "/connectivity", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a connected field, got %d", w.Code)
	}

	probed := newTestServer(t, true, false)
	if w := probed.postJSON(t, "/connectivity", map[string]bool{"connected": false}); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 when connectivity is probed, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, true, true)
	s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	w := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `http_requests_total{handler="/health",method="GET",status="200"} 1`) {
		t.Errorf("Expected the health request to be counted, got:\n%s", w.Body.String())
	}
}
