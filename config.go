package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// loadAgentConfiguration loads agent configuration from a JSON file.
func loadAgentConfiguration(configPath string) (*AgentConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config file: %v", err)
	}

	var config AgentConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse agent JSON config: %v", err)
	}

	applyAgentDefaults(&config)

	if err := validateAgentConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %v", err)
	}

	log.Printf("Loaded agent configuration for instance %s (%d local paths, %d SSH sources)",
		config.InstanceID, len(config.LogPaths), len(config.SSHSources))
	return &config, nil
}

// applyAgentDefaults fills in default values for unset configuration fields.
func applyAgentDefaults(config *AgentConfig) {
	if config.LogDialect == "" {
		config.LogDialect = "auto"
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 10
	}
	if config.UpdateCheckInterval == 0 {
		config.UpdateCheckInterval = 600
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 30
	}
	if config.GeoRefreshInterval == 0 {
		config.GeoRefreshInterval = 86400
	}
	if config.RateThreshold == 0 {
		config.RateThreshold = 80
	}
	if config.RateWindow == 0 {
		config.RateWindow = 10
	}
	if config.ScanThreshold == 0 {
		config.ScanThreshold = 20
	}
	if config.BlockDuration == 0 {
		config.BlockDuration = 30
	}
	if config.MonitoredPort == 0 {
		config.MonitoredPort = 80
	}
	if config.ControlPort == 0 {
		config.ControlPort = 9876
	}

	for i := range config.SSHSources {
		if config.SSHSources[i].Port == 0 {
			config.SSHSources[i].Port = 22
		}
		if config.SSHSources[i].AuthMethod == "" {
			config.SSHSources[i].AuthMethod = "key"
		}
	}
}

// validateAgentConfig validates the agent configuration.
func validateAgentConfig(config *AgentConfig) error {
	if config.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	if len(config.LogPaths) == 0 && len(config.SSHSources) == 0 {
		return fmt.Errorf("at least one log path or SSH source is required")
	}

	switch config.LogDialect {
	case "auto", "json", "apache", "nginx":
	default:
		return fmt.Errorf("invalid log_dialect: %s (must be auto, json, apache, or nginx)", config.LogDialect)
	}

	if config.ControlToken == "" {
		return fmt.Errorf("control_token is required")
	}

	if config.FirewallURL == "" {
		return fmt.Errorf("firewall_url is required")
	}

	if config.AutoUpdate {
		if config.UpdateURL == "" {
			return fmt.Errorf("update_url is required when auto_update is enabled")
		}
		if config.PublicKeyPath == "" {
			return fmt.Errorf("public_key_path is required when auto_update is enabled")
		}
	}

	for i, src := range config.SSHSources {
		if err := validateSSHSource(&src); err != nil {
			return fmt.Errorf("ssh source %d (%s): %v", i, src.Name, err)
		}
	}

	return nil
}

// validateSSHSource validates a single SSH log source configuration.
func validateSSHSource(src *SSHSource) error {
	if src.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if src.Host == "" {
		return fmt.Errorf("host is required")
	}
	if src.Username == "" {
		return fmt.Errorf("username is required")
	}
	if src.Path == "" {
		return fmt.Errorf("path is required")
	}

	switch src.AuthMethod {
	case "password":
		if src.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case "key":
		if src.PrivateKeyPath == "" && src.PrivateKeyData == "" {
			return fmt.Errorf("private key path or data is required for key authentication")
		}
	default:
		return fmt.Errorf("invalid auth method: %s (must be password or key)", src.AuthMethod)
	}

	return nil
}

// mergeAgentConfig shallow-merges the top-level keys present in patch into
// the live configuration and returns the merged result. Unknown keys are
// rejected so a typo cannot silently vanish.
func mergeAgentConfig(config *AgentConfig, patch []byte) (*AgentConfig, error) {
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(patch, &incoming); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}

	current, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize current config: %v", err)
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, fmt.Errorf("failed to deserialize current config: %v", err)
	}

	for key, value := range incoming {
		if startupOnlyConfigKeys[key] {
			return nil, fmt.Errorf("config key %s cannot be changed at runtime; edit the config file and restart", key)
		}
		if _, known := base[key]; !known {
			// omitempty fields drop out of base when unset; check the key list instead
			if !isKnownConfigKey(key) {
				return nil, fmt.Errorf("unknown config key: %s", key)
			}
		}
		base[key] = value
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize merged config: %v", err)
	}

	var result AgentConfig
	if err := json.Unmarshal(merged, &result); err != nil {
		return nil, fmt.Errorf("merged config is invalid: %v", err)
	}

	applyAgentDefaults(&result)
	if err := validateAgentConfig(&result); err != nil {
		return nil, fmt.Errorf("merged config rejected: %v", err)
	}
	return &result, nil
}

// knownConfigKeys lists every top-level AgentConfig JSON key, including
// omitempty fields absent from a serialized default config.
var knownConfigKeys = map[string]bool{
	"version": true, "controller_url": true, "instance_id": true,
	"log_paths": true, "log_dialect": true, "ssh_sources": true,
	"heartbeat_interval": true, "update_check_interval": true,
	"sweep_interval": true, "geo_refresh_interval": true,
	"auto_update": true, "update_url": true, "public_key_path": true,
	"rate_threshold": true, "rate_window": true, "scan_threshold": true,
	"block_duration": true, "firewall_url": true, "monitored_port": true,
	"control_port": true, "control_token": true, "heartbeat_secret": true,
	"geo_asn_path": true, "geo_country_path": true,
}

func isKnownConfigKey(key string) bool {
	return knownConfigKeys[key]
}

// startupOnlyConfigKeys covers settings wired into components when the agent
// starts: the firewall client, the control listener, and the tailers. A merge
// that touched them would report success without changing live behavior, so
// those keys are rejected outright.
var startupOnlyConfigKeys = map[string]bool{
	"firewall_url":   true,
	"monitored_port": true,
	"control_port":   true,
	"log_paths":      true,
	"ssh_sources":    true,
}
