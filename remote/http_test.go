package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/remote"
)

func newClient(t *testing.T, srv *httptest.Server) *remote.HTTPClient {
	t.Helper()
	c, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestSearchSendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}

		var req remote.SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "project deadlines" || req.Scope.InternalID != "u1" {
			t.Errorf("unexpected request body %+v", req)
		}

		json.NewEncoder(w).Encode(remote.SearchResponse{})
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.Search(context.Background(), &remote.SearchRequest{
		Query: "project deadlines",
		Scope: core.UserScope{InternalID: "u1"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, `{"error":"try again"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(remote.SyncTiersResponse{})
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.SyncTiers(context.Background(), &remote.SyncTiersRequest{MaxTier0: 10})
	if err != nil {
		t.Fatalf("SyncTiers: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestNegativeMaxRetriesDisablesRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":"try again"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:    srv.URL,
		MaxRetries: -1,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if _, err := c.Search(context.Background(), &remote.SearchRequest{Query: "q"}); err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.Search(context.Background(), &remote.SearchRequest{Query: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is %T, want *APIError", err)
	}
	if apiErr.Kind != remote.KindAuth || apiErr.Message != "bad key" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
	if !remote.IsAuthError(err) {
		t.Fatal("IsAuthError should report true")
	}
}

func TestErrorKindMapping(t *testing.T) {
	cases := []struct {
		status    int
		kind      remote.ErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, remote.KindAuth, false},
		{http.StatusForbidden, remote.KindAuth, false},
		{http.StatusNotFound, remote.KindNotFound, false},
		{http.StatusUnprocessableEntity, remote.KindValidation, false},
		{http.StatusTooManyRequests, remote.KindRateLimited, true},
		{http.StatusInternalServerError, remote.KindTransient, true},
	}
	for _, tc := range cases {
		kind := remote.KindForStatus(tc.status)
		if kind != tc.kind {
			t.Errorf("KindForStatus(%d) = %s, want %s", tc.status, kind, tc.kind)
		}
		apiErr := &remote.APIError{Kind: kind, Status: tc.status}
		if apiErr.Retryable() != tc.retryable {
			t.Errorf("status %d retryable = %v, want %v", tc.status, apiErr.Retryable(), tc.retryable)
		}
	}
}

func TestDeleteMemoryPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	if err := c.DeleteMemory(context.Background(), "mem 1"); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if gotPath != "/v1/memories/mem%201" {
		t.Fatalf("path = %q", gotPath)
	}

	if err := c.DeleteMemory(context.Background(), ""); err == nil {
		t.Fatal("empty id should be rejected client-side")
	}
}
