package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONOK(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONOK(w, map[string]int{"count": 3})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["count"] != 3 {
		t.Fatalf("body = %v", body)
	}
}

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONError(w, http.StatusBadRequest, "missing vehicle_id")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["error"] != "missing vehicle_id" {
		t.Fatalf("body = %v", body)
	}
}

func TestErrorShorthands(t *testing.T) {
	cases := []struct {
		name  string
		write func(http.ResponseWriter)
		want  int
	}{
		{"method not allowed", MethodNotAllowed, http.StatusMethodNotAllowed},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "nope") }, http.StatusBadRequest},
		{"internal error", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "gone") }, http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		tc.write(w)
		if w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestMockHTTPClientServesQueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(200, "hello").
		AddErrorResponse(errors.New("connection refused"))

	resp, err := mock.Get("https://example.com/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if _, err := mock.Head("https://example.com/b"); err == nil {
		t.Fatal("queued error not returned")
	}

	// an exhausted queue serves 404s
	resp, err = mock.Get("https://example.com/c")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404 when exhausted", resp.StatusCode)
	}

	want := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	if len(mock.URLs) != len(want) {
		t.Fatalf("recorded %d urls, want %d", len(mock.URLs), len(want))
	}
	for i := range want {
		if mock.URLs[i] != want[i] {
			t.Fatalf("url %d = %q, want %q", i, mock.URLs[i], want[i])
		}
	}
}
