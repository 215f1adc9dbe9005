package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

func targetFor(t *testing.T, srv *httptest.Server) Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Target{Host: host, Port: port}
}

func TestInvokePostsJSONWithBearer(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq model.InvocationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	target := targetFor(t, srv)
	target.AuthMode = model.AuthToken
	target.Token = "tok"
	target.BasePath = "/gw"

	resp, err := New(time.Second).Invoke(context.Background(), target, model.InvocationRequest{
		Tool: "echo", Args: map[string]any{"text": "hi"}, SessionKey: "main",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.HTTPStatus != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotPath != "/gw/tools/invoke" || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected request path=%q auth=%q", gotPath, gotAuth)
	}
	if gotReq.Tool != "echo" || gotReq.SessionKey != "main" || gotReq.Args["text"] != "hi" {
		t.Fatalf("unexpected payload: %+v", gotReq)
	}
}

func TestInvokePasswordAndStatusPassthrough(t *testing.T) {
	var gotPassword string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPassword = r.Header.Get(PasswordHeader)
		http.Error(w, "no such tool", http.StatusNotFound)
	}))
	defer srv.Close()

	target := targetFor(t, srv)
	target.AuthMode = model.AuthPassword
	target.Token = "pw"
	resp, err := New(time.Second).Invoke(context.Background(), target, model.InvocationRequest{Tool: "rm"})
	if err != nil {
		t.Fatalf("non-2xx statuses are responses, not errors: %v", err)
	}
	if resp.HTTPStatus != http.StatusNotFound || gotPassword != "pw" {
		t.Fatalf("unexpected response %+v password=%q", resp, gotPassword)
	}
}

func TestInvokeBoundsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxBodyBytes+100)))
	}))
	defer srv.Close()
	resp, err := New(time.Second).Invoke(context.Background(), targetFor(t, srv), model.InvocationRequest{Tool: "cat"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(resp.Body) != maxBodyBytes {
		t.Fatalf("expected body capped at %d, got %d", maxBodyBytes, len(resp.Body))
	}
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(20*time.Millisecond).Invoke(context.Background(), targetFor(t, srv), model.InvocationRequest{Tool: "sleep"})
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestEndpoint(t *testing.T) {
	cases := []struct {
		target Target
		want   string
	}{
		{Target{Host: "127.0.0.1", Port: 18789}, "http://127.0.0.1:18789/tools/invoke"},
		{Target{Host: "gw.example.com", Port: 443, BasePath: "/api/"}, "https://gw.example.com:443/api/tools/invoke"},
		{Target{Host: "::1", Port: 80}, "http://[::1]:80/tools/invoke"},
	}
	for _, tc := range cases {
		got, err := Endpoint(tc.target)
		if err != nil || got != tc.want {
			t.Fatalf("endpoint(%+v) = %q, %v; want %q", tc.target, got, err, tc.want)
		}
	}
	if _, err := Endpoint(Target{Host: "h", Port: 0}); err == nil {
		t.Fatalf("expected port validation error")
	}
	if _, err := Endpoint(Target{Port: 1}); err == nil {
		t.Fatalf("expected host validation error")
	}
}
