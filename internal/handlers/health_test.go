package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandlerHandle(t *testing.T) {
	cases := []struct {
		method string
		status int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodPost, http.StatusMethodNotAllowed},
		{http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		HealthHandler{}.Handle(rec, httptest.NewRequest(tc.method, "/healthz", nil))

		if rec.Code != tc.status {
			t.Fatalf("%s: expected status %d got %d", tc.method, tc.status, rec.Code)
		}
		if tc.status != http.StatusOK {
			continue
		}
		if got := rec.Header().Get("Content-Type"); got != "application/json" {
			t.Fatalf("expected json content type got %s", got)
		}
		var body map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := body["sync"]; ok {
			t.Fatalf("expected no sync phase without a manager, got %v", body)
		}
	}
}

func TestHealthReportsSyncPhase(t *testing.T) {
	f := newImageFixture(t, "alice")

	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["sync"] != "live" {
		t.Fatalf("unexpected body %v", body)
	}
}
