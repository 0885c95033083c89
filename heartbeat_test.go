package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSendHeartbeat(t *testing.T) {
	var gotPayload HeartbeatPayload
	var gotAuth string
	received := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agent/heartbeat" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decoding heartbeat: %v", err)
		}
		received <- struct{}{}
	}))
	defer srv.Close()

	fw := &fakeFirewall{}
	blocker := newTestBlocker(t, fw, 30*time.Minute)
	if err := blocker.Block(context.Background(), "203.0.113.50", "high-rate"); err != nil {
		t.Fatalf("block: %v", err)
	}

	cfg := AgentConfig{
		ControllerURL:   srv.URL,
		InstanceID:      "web-01",
		Version:         "1.2.3",
		HeartbeatSecret: "hb-secret",
	}
	sendHeartbeat(context.Background(), cfg, blocker)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never received the heartbeat")
	}

	if gotPayload.InstanceID != "web-01" || gotPayload.Version != "1.2.3" {
		t.Errorf("unexpected identity fields: %+v", gotPayload)
	}
	if len(gotPayload.BlockedIPs) != 1 || gotPayload.BlockedIPs[0] != "203.0.113.50" {
		t.Errorf("expected blocked IP list [203.0.113.50], got %v", gotPayload.BlockedIPs)
	}

	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("expected Bearer token, got %q", gotAuth)
	}
	token, err := jwt.Parse(strings.TrimPrefix(gotAuth, "Bearer "), func(tok *jwt.Token) (interface{}, error) {
		return []byte("hb-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		t.Fatalf("heartbeat token did not verify: %v", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub != "web-01" {
		t.Errorf("expected sub claim web-01, got %q (%v)", sub, err)
	}
}

func TestSendHeartbeatWithoutSecretOmitsAuth(t *testing.T) {
	var gotAuth string
	received := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		received <- struct{}{}
	}))
	defer srv.Close()

	fw := &fakeFirewall{}
	blocker := newTestBlocker(t, fw, 30*time.Minute)

	cfg := AgentConfig{ControllerURL: srv.URL, InstanceID: "web-01", Version: "1.0.0"}
	sendHeartbeat(context.Background(), cfg, blocker)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never received the heartbeat")
	}
	if gotAuth != "" {
		t.Errorf("expected no Authorization header, got %q", gotAuth)
	}
}

func TestSendHeartbeatNoControllerConfigured(t *testing.T) {
	fw := &fakeFirewall{}
	blocker := newTestBlocker(t, fw, 30*time.Minute)

	// Must be a silent no-op.
	sendHeartbeat(context.Background(), AgentConfig{InstanceID: "web-01"}, blocker)
}
