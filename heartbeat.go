package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const heartbeatRequestTimeout = 10 * time.Second

var heartbeatClient = &http.Client{Timeout: heartbeatRequestTimeout}

// sendHeartbeat posts the agent's status to the central controller. Fire
// and forget: a failed heartbeat is logged and retried at the next tick.
func sendHeartbeat(ctx context.Context, cfg AgentConfig, blocker *Blocker) {
	if cfg.ControllerURL == "" {
		return
	}

	payload := HeartbeatPayload{
		InstanceID:  cfg.InstanceID,
		Version:     cfg.Version,
		BlockedIPs:  blocker.BlockedIPs(),
		SystemStats: readSystemStats(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("WARNING: failed to encode heartbeat: %v", err)
		return
	}

	url := strings.TrimRight(cfg.ControllerURL, "/") + "/agent/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("WARNING: failed to build heartbeat request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	if cfg.HeartbeatSecret != "" {
		token, err := heartbeatToken(cfg.InstanceID, cfg.HeartbeatSecret)
		if err != nil {
			log.Printf("WARNING: failed to sign heartbeat token: %v", err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := heartbeatClient.Do(req)
	if err != nil {
		log.Printf("WARNING: heartbeat to %s failed: %v", url, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		log.Printf("WARNING: heartbeat returned status %d", resp.StatusCode)
	}
}

// heartbeatToken mints a short-lived HS256 token identifying this agent
// instance to the controller.
func heartbeatToken(instanceID, secret string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": instanceID,
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing heartbeat token: %v", err)
	}
	return signed, nil
}

// readSystemStats samples load and memory from /proc. Best effort; fields
// stay zero when a file is unreadable.
func readSystemStats() SystemStats {
	var stats SystemStats

	if raw, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(raw))
		if len(fields) > 0 {
			if load, err := strconv.ParseFloat(fields[0], 64); err == nil {
				stats.Load1 = load
			}
		}
	}

	if raw, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				stats.MemTotalKB = kb
			case "MemAvailable:":
				stats.MemAvailableKB = kb
			}
		}
	}

	return stats
}
