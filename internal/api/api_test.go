package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPresenceUpdateStatus(t *testing.T) {
	var got statusUpdate
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/users/status" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := NewPresenceService(NewClient(srv.URL, "tok-1"))
	if err := svc.UpdateStatus(context.Background(), "u1", true); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || !got.IsOnline {
		t.Errorf("body = %+v", got)
	}
	if auth != "Bearer tok-1" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestMessageSendAndMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/messages":
			var req SendRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.TempID != "1001" || req.ChatID != "42" {
				t.Errorf("send request = %+v", req)
			}
			_ = json.NewEncoder(w).Encode(SendResponse{Accepted: true})
		case r.Method == http.MethodPut && r.URL.Path == "/api/messages/m1/read":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	svc := NewMessageService(NewClient(srv.URL, ""))
	resp, err := svc.Send(context.Background(), SendRequest{TempID: "1001", ChatID: "42", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted {
		t.Error("send not accepted")
	}
	if err := svc.MarkRead(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
}

func TestCallLifecycleEndpoints(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewCallService(NewClient(srv.URL, ""))
	ctx := context.Background()
	if err := svc.Initiate(ctx, "c1", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Accept(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Reject(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.End(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"POST /api/calls",
		"PUT /api/calls/c1/accept",
		"PUT /api/calls/c1/reject",
		"PUT /api/calls/c1/end",
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestKeyServiceSessionKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/s1/key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(keyResponse{
			SessionID: "s1",
			Key:       base64.StdEncoding.EncodeToString(key),
		})
	}))
	defer srv.Close()

	svc := NewKeyService(NewClient(srv.URL, ""))
	got, err := svc.SessionKey(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(key) {
		t.Errorf("key = %q", got)
	}

	if _, err := svc.SessionKey(context.Background(), "missing"); err == nil {
		t.Error("lookup of unknown session should fail")
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewPresenceService(NewClient(srv.URL, ""))
	err := svc.UpdateStatus(context.Background(), "u1", false)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if statusErr.Code != http.StatusInternalServerError {
		t.Errorf("code = %d", statusErr.Code)
	}
}
