package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

// Control API: a loopback-only HTTP surface for the local operator tooling.
// Every request must originate from a loopback address and carry the
// pre-shared token in the x-agent-token header. Origin is checked before
// the token so remote callers always see 403, never a token oracle.

type controlRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type controlAPI struct {
	agent *Agent
}

// startControlAPI binds the control listener on loopback and serves until
// the process exits. Returns only on listen/serve failure.
func startControlAPI(agent *Agent) error {
	api := &controlAPI{agent: agent}

	mux := http.NewServeMux()
	mux.HandleFunc("/block", api.authorize(api.handleBlock))
	mux.HandleFunc("/unblock", api.authorize(api.handleUnblock))
	mux.HandleFunc("/config", api.authorize(api.handleConfig))
	mux.HandleFunc("/state", api.authorize(api.handleState))
	mux.HandleFunc("/tail", api.authorize(api.handleTail))
	mux.HandleFunc("/restart", api.authorize(api.handleRestart))
	mux.HandleFunc("/kill", api.authorize(api.handleKill))
	mux.HandleFunc("/ping", api.authorize(api.handlePing))

	addr := fmt.Sprintf("127.0.0.1:%d", agent.currentConfig().ControlPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("control API listening on %s", addr)
	return server.ListenAndServe()
}

// authorize enforces the loopback-then-token check order.
func (api *controlAPI) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			log.Printf("WARNING: control API request from non-loopback address %s", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("x-agent-token")
		if token == "" || token != api.agent.currentConfig().ControlToken {
			log.Printf("WARNING: control API request with invalid token for %s", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func writeControlJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: failed to encode control response: %v", err)
	}
}

// decodeControlRequest parses a JSON body that must contain a valid IP.
func decodeControlRequest(r *http.Request) (*controlRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("reading body: %v", err)
	}
	var req controlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if net.ParseIP(req.IP) == nil {
		return nil, fmt.Errorf("invalid or missing ip")
	}
	return &req, nil
}

func (api *controlAPI) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeControlRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}
	if err := api.agent.blocker.Block(r.Context(), req.IP, reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeControlJSON(w, map[string]interface{}{"ok": true, "ip": req.IP})
}

func (api *controlAPI) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeControlRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := api.agent.blocker.Unblock(r.Context(), req.IP); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeControlJSON(w, map[string]interface{}{"ok": true, "ip": req.IP})
}

// handleConfig applies a shallow JSON merge onto the running settings.
// Unknown keys and values that fail validation reject the whole patch.
// Merged settings are not persisted; a restart returns to the file.
func (api *controlAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body failed", http.StatusBadRequest)
		return
	}

	merged, err := api.agent.mergeConfig(patch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("runtime configuration updated via control API")
	writeControlJSON(w, map[string]interface{}{"ok": true, "newConfig": redactConfig(merged)})
}

func (api *controlAPI) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := api.agent.currentConfig()
	state := StateResponse{
		Blocked:  api.agent.blocker.Snapshot(),
		Settings: redactConfig(&cfg),
		Uptime:   time.Since(api.agent.startTime).Round(time.Second).String(),
		Stats:    api.agent.counters.snapshot(),
	}
	writeControlJSON(w, state)
}

func (api *controlAPI) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeControlJSON(w, map[string]interface{}{"events": api.agent.ring.Snapshot()})
}

// handleRestart reloads the soft-reloadable subsystems in place.
func (api *controlAPI) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log.Printf("subsystem reload requested via control API")
	api.agent.geo.Refresh()
	writeControlJSON(w, map[string]interface{}{"ok": true})
}

func (api *controlAPI) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log.Printf("shutdown requested via control API")
	writeControlJSON(w, map[string]interface{}{"ok": true})

	go func() {
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()
}

func (api *controlAPI) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeControlJSON(w, map[string]interface{}{"ok": true, "version": api.agent.currentConfig().Version})
}

// redactConfig strips secrets before settings leave the process.
func redactConfig(cfg *AgentConfig) *AgentConfig {
	out := *cfg
	if out.ControlToken != "" {
		out.ControlToken = "[REDACTED]"
	}
	if out.HeartbeatSecret != "" {
		out.HeartbeatSecret = "[REDACTED]"
	}
	if len(out.SSHSources) > 0 {
		sources := make([]SSHSource, len(out.SSHSources))
		copy(sources, out.SSHSources)
		for i := range sources {
			if sources[i].Password != "" {
				sources[i].Password = "[REDACTED]"
			}
			if sources[i].PrivateKeyData != "" {
				sources[i].PrivateKeyData = "[REDACTED]"
			}
			if sources[i].Passphrase != "" {
				sources[i].Passphrase = "[REDACTED]"
			}
		}
		out.SSHSources = sources
	}
	return &out
}
