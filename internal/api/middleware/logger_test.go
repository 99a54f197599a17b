package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusRecorderCapturesStatusAndSize(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusConflict)
	body := []byte(`{"code":"version_conflict"}`)
	if _, err := rec.Write(body); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if rec.status != http.StatusConflict {
		t.Errorf("expected status %d, got %d", http.StatusConflict, rec.status)
	}
	if rec.size != len(body) {
		t.Errorf("expected size %d, got %d", len(body), rec.size)
	}
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	if _, err := rec.Write([]byte("ok")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if rec.status != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", rec.status)
	}
}

func TestLoggerPassesRequestThrough(t *testing.T) {
	called := false
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if !called {
		t.Fatal("wrapped handler was not invoked")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}
}
