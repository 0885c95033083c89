package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `{
	"instance_id": "web-01",
	"log_paths": ["/var/log/nginx/access.log"],
	"control_token": "secret-token",
	"firewall_url": "http://127.0.0.1:8080"
}`

func TestLoadAgentConfigurationDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	cfg, err := loadAgentConfiguration(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogDialect != "auto" {
		t.Errorf("expected default dialect auto, got %s", cfg.LogDialect)
	}
	if cfg.RateThreshold != 80 || cfg.RateWindow != 10 || cfg.ScanThreshold != 20 {
		t.Errorf("unexpected detection defaults: %d/%d/%d", cfg.RateThreshold, cfg.RateWindow, cfg.ScanThreshold)
	}
	if cfg.BlockDuration != 30 {
		t.Errorf("expected default block duration 30, got %d", cfg.BlockDuration)
	}
	if cfg.ControlPort != 9876 {
		t.Errorf("expected default control port 9876, got %d", cfg.ControlPort)
	}
	if cfg.MonitoredPort != 80 {
		t.Errorf("expected default monitored port 80, got %d", cfg.MonitoredPort)
	}
	if cfg.HeartbeatInterval != 10 || cfg.SweepInterval != 30 || cfg.UpdateCheckInterval != 600 {
		t.Errorf("unexpected interval defaults: %d/%d/%d", cfg.HeartbeatInterval, cfg.SweepInterval, cfg.UpdateCheckInterval)
	}
}

func TestLoadAgentConfigurationValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing instance id",
			config:  `{"log_paths":["/var/log/a.log"],"control_token":"t","firewall_url":"http://127.0.0.1:8080"}`,
			wantErr: "instance_id",
		},
		{
			name:    "no log sources",
			config:  `{"instance_id":"web-01","control_token":"t","firewall_url":"http://127.0.0.1:8080"}`,
			wantErr: "log path or SSH source",
		},
		{
			name:    "missing control token",
			config:  `{"instance_id":"web-01","log_paths":["/var/log/a.log"],"firewall_url":"http://127.0.0.1:8080"}`,
			wantErr: "control_token",
		},
		{
			name:    "missing firewall url",
			config:  `{"instance_id":"web-01","log_paths":["/var/log/a.log"],"control_token":"t"}`,
			wantErr: "firewall_url",
		},
		{
			name:    "bad dialect",
			config:  `{"instance_id":"web-01","log_paths":["/var/log/a.log"],"control_token":"t","firewall_url":"http://127.0.0.1:8080","log_dialect":"syslog"}`,
			wantErr: "log_dialect",
		},
		{
			name:    "auto update without manifest url",
			config:  `{"instance_id":"web-01","log_paths":["/var/log/a.log"],"control_token":"t","firewall_url":"http://127.0.0.1:8080","auto_update":true,"public_key_path":"/etc/key.pem"}`,
			wantErr: "update_url",
		},
		{
			name:    "auto update without public key",
			config:  `{"instance_id":"web-01","log_paths":["/var/log/a.log"],"control_token":"t","firewall_url":"http://127.0.0.1:8080","auto_update":true,"update_url":"https://updates.example.com/manifest.json"}`,
			wantErr: "public_key_path",
		},
		{
			name:    "ssh source without host",
			config:  `{"instance_id":"web-01","control_token":"t","firewall_url":"http://127.0.0.1:8080","ssh_sources":[{"name":"edge","username":"tail","path":"/var/log/a.log","auth_method":"password","password":"p"}]}`,
			wantErr: "host is required",
		},
		{
			name:    "ssh key auth without key material",
			config:  `{"instance_id":"web-01","control_token":"t","firewall_url":"http://127.0.0.1:8080","ssh_sources":[{"name":"edge","host":"10.0.0.5","username":"tail","path":"/var/log/a.log","auth_method":"key"}]}`,
			wantErr: "private key",
		},
		{
			name:    "malformed json",
			config:  `{"instance_id": `,
			wantErr: "parse",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.config)
			_, err := loadAgentConfiguration(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestMergeAgentConfig(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	cfg, err := loadAgentConfiguration(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	merged, err := mergeAgentConfig(cfg, []byte(`{"rate_threshold": 120, "block_duration": 60}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.RateThreshold != 120 {
		t.Errorf("expected rate_threshold 120, got %d", merged.RateThreshold)
	}
	if merged.BlockDuration != 60 {
		t.Errorf("expected block_duration 60, got %d", merged.BlockDuration)
	}

	// Untouched keys survive the merge.
	if merged.InstanceID != "web-01" {
		t.Errorf("instance_id must survive merge, got %s", merged.InstanceID)
	}
	if merged.ControlToken != "secret-token" {
		t.Errorf("control_token must survive merge, got %s", merged.ControlToken)
	}

	// The input config is not mutated.
	if cfg.RateThreshold != 80 {
		t.Errorf("merge must not mutate the input, rate_threshold is %d", cfg.RateThreshold)
	}
}

func TestMergeAgentConfigRejectsBadPatches(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	cfg, err := loadAgentConfiguration(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name  string
		patch string
	}{
		{"unknown key", `{"rate_treshold": 120}`},
		{"malformed json", `{"rate_threshold": `},
		{"wrong type", `{"rate_threshold": "many"}`},
		{"invalid merged config", `{"log_dialect": "syslog"}`},
		{"clearing required field", `{"control_token": ""}`},
		// Keys wired into components at startup cannot change at runtime.
		{"firewall url", `{"firewall_url": "http://127.0.0.1:9999"}`},
		{"monitored port", `{"monitored_port": 8080}`},
		{"control port", `{"control_port": 9999}`},
		{"log paths", `{"log_paths": ["/var/log/other.log"]}`},
		{"ssh sources", `{"ssh_sources": []}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mergeAgentConfig(cfg, []byte(tc.patch)); err == nil {
				t.Error("expected merge to be rejected")
			}
		})
	}
}
