package detection

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mntrk/observatory-backend/internal/audit"
	"github.com/mntrk/observatory-backend/internal/ratelimit"
)

type handlerFixture struct {
	handler   *Handler
	primary   *fakePrimary
	secondary *fakeSecondary
}

func newHandlerFixture(t *testing.T, writePolicy, readPolicy ratelimit.Policy) *handlerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	primary := &fakePrimary{}
	secondary := &fakeSecondary{}
	writer := newTestWriter(primary, secondary)

	recorder := audit.NewRecorder(nil, logger)
	t.Cleanup(recorder.Close)

	liveStore, _ := newTestLiveStore(t)

	h := NewHandler(writer, NewStore(nil), liveStore, ratelimit.NewLimiter(logger),
		recorder, writePolicy, readPolicy, logger)
	return &handlerFixture{handler: h, primary: primary, secondary: secondary}
}

func defaultPolicies() (ratelimit.Policy, ratelimit.Policy) {
	return ratelimit.Policy{Window: time.Minute, MaxRequests: 100},
		ratelimit.Policy{Window: time.Minute, MaxRequests: 100}
}

func postDetection(h *Handler, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.RemoteAddr = "10.0.0.1:4242"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = h.Ingest(c)
	return rec
}

const sampleBody = `{
	"image_id": "frame-001",
	"source": "field_camera",
	"location": {"latitude": 9.08, "longitude": 8.68},
	"items": [{
		"bbox": {"x": 10, "y": 20, "width": 120, "height": 80},
		"confidence": 0.9,
		"class_label": "rodent",
		"species": "mastomys_natalensis"
	}],
	"processing_time_ms": 240
}`

func TestIngest_Success(t *testing.T) {
	writePol, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)

	rec := postDetection(f.handler, sampleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !resp.PrimaryOK || !resp.SecondaryOK {
		t.Errorf("expected full success, got %+v", resp)
	}
	if resp.BatchID == "" {
		t.Error("response should carry the batch id")
	}
	if len(f.primary.inserted) != 1 {
		t.Error("primary store should have one batch")
	}
}

func TestIngest_InvalidJSON(t *testing.T) {
	writePol, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)

	rec := postDetection(f.handler, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if f.primary.calls.Load() != 0 {
		t.Error("malformed payload must not reach the writer")
	}
}

func TestIngest_ValidationBeforeRateGuard(t *testing.T) {
	writePol := ratelimit.Policy{Window: time.Minute, MaxRequests: 1}
	_, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)

	// Invalid payloads are rejected before the rate limiter is consulted,
	// so they never consume window budget.
	for i := 0; i < 5; i++ {
		rec := postDetection(f.handler, `{"source": "x"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: status = %d, want 400", i, rec.Code)
		}
	}

	rec := postDetection(f.handler, sampleBody)
	if rec.Code != http.StatusCreated {
		t.Errorf("valid request after invalid burst: status = %d, want 201", rec.Code)
	}
}

func TestIngest_RateLimited(t *testing.T) {
	writePol := ratelimit.Policy{Window: time.Minute, MaxRequests: 2}
	_, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)

	postDetection(f.handler, sampleBody)
	postDetection(f.handler, sampleBody)

	rec := postDetection(f.handler, sampleBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}

	var resp RateLimitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Error != "Rate limit exceeded" {
		t.Errorf("error = %q", resp.Error)
	}
	if resp.RetryAfterSeconds < 1 || resp.RetryAfterSeconds > 60 {
		t.Errorf("retry_after_seconds = %d, want within the window", resp.RetryAfterSeconds)
	}
	if f.primary.calls.Load() != 2 {
		t.Error("rejected request must not reach the writer")
	}
}

func TestIngest_RejectedBurstSharesRetryAfter(t *testing.T) {
	writePol := ratelimit.Policy{Window: time.Minute, MaxRequests: 20}
	_, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)

	var retries []int
	for i := 0; i < 25; i++ {
		rec := postDetection(f.handler, sampleBody)
		if i < 20 {
			if rec.Code != http.StatusCreated {
				t.Fatalf("request %d: status = %d, want 201", i+1, rec.Code)
			}
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i+1, rec.Code)
		}
		var resp RateLimitResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		retries = append(retries, resp.RetryAfterSeconds)
	}

	for _, r := range retries[1:] {
		if r-retries[0] > 2 || retries[0]-r > 2 {
			t.Errorf("retry_after_seconds should be approximately equal across the burst: %v", retries)
		}
	}
}

func TestIngest_PartialFailureStill2xx(t *testing.T) {
	writePol, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)
	f.secondary.fail = true

	rec := postDetection(f.handler, sampleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("partial failure must stay 2xx, got %d", rec.Code)
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.PrimaryOK || resp.SecondaryOK {
		t.Errorf("expected degraded result, got %+v", resp)
	}
	if resp.InsertError == "" {
		t.Error("degraded response must surface the insert error for monitoring")
	}
}

func TestIngest_TotalFailure500(t *testing.T) {
	writePol, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)
	f.primary.failures = 100
	f.secondary.fail = true

	rec := postDetection(f.handler, sampleBody)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] == "" {
		t.Error("500 body must carry an error message")
	}
}

func TestRecent_ReadsLiveStore(t *testing.T) {
	writePol, readPol := defaultPolicies()
	f := newHandlerFixture(t, writePol, readPol)

	rec := postDetection(f.handler, sampleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest failed: %d", rec.Code)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/detections/recent", nil)
	req.RemoteAddr = "10.0.0.2:4242"
	resp := httptest.NewRecorder()
	c := e.NewContext(req, resp)
	if err := f.handler.Recent(c); err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}

	var body RecentResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 {
		t.Errorf("expected the ingested batch in the live store, count = %d", body.Count)
	}
	if body.Detections[0].Confidence != 0.9 {
		t.Errorf("live row confidence = %v, want 0.9", body.Detections[0].Confidence)
	}
}

func TestReadEndpoints_UseReadPolicy(t *testing.T) {
	writePol := ratelimit.Policy{Window: time.Minute, MaxRequests: 100}
	readPol := ratelimit.Policy{Window: time.Minute, MaxRequests: 1}
	f := newHandlerFixture(t, writePol, readPol)

	e := echo.New()
	get := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/detections/recent", nil)
		req.RemoteAddr = "10.0.0.3:4242"
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		return rec, f.handler.Recent(c)
	}

	if rec, err := get(); rec.Code != http.StatusOK || err != nil {
		t.Fatalf("first read: status = %d, err = %v, want 200", rec.Code, err)
	}

	rec, err := get()
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second read: status = %d, want 429 under read policy", rec.Code)
	}
	if err == nil {
		t.Error("rejected read must return non-nil so the endpoint stops")
	}

	// The endpoint body must be the rate-limit shape alone, not followed by
	// a result payload from a query that should never have run.
	var resp RateLimitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("429 body is not the rate-limit shape alone: %v", err)
	}
	if resp.Error != "Rate limit exceeded" {
		t.Errorf("429 body = %+v", resp)
	}
}
