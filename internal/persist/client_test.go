package persist

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPushStateRequest(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.URL)
	batch := StateBatch{Cursor: 5, Messages: []MessageRow{{Cursor: 5, Role: "user", Content: "hi", TurnIndex: 0}}}
	if err := c.PushState(context.Background(), "sbx-1", batch); err != nil {
		t.Fatalf("push state: %v", err)
	}

	if gotPath != "/sandboxes/sbx-1/state" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("unexpected content type %s", gotContentType)
	}
	var decoded StateBatch
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Cursor != 5 || len(decoded.Messages) != 1 {
		t.Errorf("unexpected body: %+v", decoded)
	}
}

func TestPushLogsRequest(t *testing.T) {
	var gotURL, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.URL)
	ndjson := "{\"cursor\":1}\n{\"cursor\":2}\n"
	if err := c.PushLogs(context.Background(), "sbx-1", 3, []byte(ndjson)); err != nil {
		t.Fatalf("push logs: %v", err)
	}
	if gotURL != "/sandboxes/sbx-1/logs?turnIndex=3" {
		t.Errorf("unexpected url %s", gotURL)
	}
	if gotBody != ndjson {
		t.Errorf("body should be the raw NDJSON, got %q", gotBody)
	}
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.URL)
	err := c.PushState(context.Background(), "sbx", StateBatch{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected 502 error, got %v", err)
	}
}
