package main

import (
	"time"
)

// AgentConfig is the process-wide configuration, loaded once at startup.
// The control API may shallow-merge new values into the live copy; merges
// are not persisted across restarts.
type AgentConfig struct {
	Version       string `json:"version"`
	ControllerURL string `json:"controller_url"`
	InstanceID    string `json:"instance_id"`

	// Log sources
	LogPaths   []string    `json:"log_paths"`
	LogDialect string      `json:"log_dialect"` // "auto", "json", "apache", or "nginx"
	SSHSources []SSHSource `json:"ssh_sources,omitempty"`

	// Scheduling intervals
	HeartbeatInterval   int `json:"heartbeat_interval"`    // seconds (default: 10)
	UpdateCheckInterval int `json:"update_check_interval"` // seconds (default: 600)
	SweepInterval       int `json:"sweep_interval"`        // seconds (default: 30)
	GeoRefreshInterval  int `json:"geo_refresh_interval"`  // seconds (default: 86400)

	// Self-update
	AutoUpdate    bool   `json:"auto_update"`
	UpdateURL     string `json:"update_url,omitempty"`      // version manifest endpoint
	PublicKeyPath string `json:"public_key_path,omitempty"` // trusted RSA public key (PEM)

	// Detection thresholds
	RateThreshold int `json:"rate_threshold"` // requests per window (default: 80)
	RateWindow    int `json:"rate_window"`    // window length in seconds (default: 10)
	ScanThreshold int `json:"scan_threshold"` // 404 responses before block (default: 20)

	// Enforcement
	BlockDuration int    `json:"block_duration"` // minutes (default: 30)
	FirewallURL   string `json:"firewall_url"`   // firewall control service base URL
	MonitoredPort int    `json:"monitored_port"` // port the deny rules are scoped to (default: 80)

	// Local control API
	ControlPort  int    `json:"control_port"` // default: 9876
	ControlToken string `json:"control_token"`

	// Controller authentication
	HeartbeatSecret string `json:"heartbeat_secret,omitempty"` // HS256 signing key for heartbeat tokens

	// Geo databases (MMDB format)
	GeoASNPath     string `json:"geo_asn_path,omitempty"`
	GeoCountryPath string `json:"geo_country_path,omitempty"`
}

// SSHSource describes a remote log file tailed over SSH.
type SSHSource struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"` // default: 22
	Username       string `json:"username"`
	AuthMethod     string `json:"auth_method"` // "password" or "key"
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	PrivateKeyData string `json:"private_key_data,omitempty"` // base64-encoded key material
	Passphrase     string `json:"passphrase,omitempty"`
	Path           string `json:"path"` // remote log file path
	Enabled        bool   `json:"enabled"`
}

// RequestEvent is the normalized record derived from one access log line.
// Immutable once produced.
type RequestEvent struct {
	IP        string    `json:"ip"`
	Path      string    `json:"path"`
	Method    string    `json:"method,omitempty"`
	Status    int       `json:"status"`
	UserAgent string    `json:"user_agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BlockDecision is emitted by the detection engine and applied by the blocker.
type BlockDecision struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// BlockedIPEntry records an active firewall deny rule for one source IP.
// At most one active entry exists per IP.
type BlockedIPEntry struct {
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GeoInfo holds ASN/country attributes resolved for an IP, derived on demand.
type GeoInfo struct {
	IP       string `json:"ip"`
	ASN      uint   `json:"asn,omitempty"`
	Org      string `json:"org,omitempty"`
	Country  string `json:"country,omitempty"`
	Hostname string `json:"hostname,omitempty"` // reverse DNS, best effort
}

// VersionManifest describes an available update, fetched once per check.
type VersionManifest struct {
	Version   string `json:"version"`
	URL       string `json:"url"`
	Signature string `json:"signature"` // base64 RSA-SHA256 over the binary bytes
}

// SystemStats carries host metrics reported in heartbeats.
type SystemStats struct {
	Load1          float64 `json:"load1"`
	MemTotalKB     uint64  `json:"mem_total_kb"`
	MemAvailableKB uint64  `json:"mem_available_kb"`
}

// HeartbeatPayload is posted to the controller on each heartbeat tick.
type HeartbeatPayload struct {
	InstanceID  string      `json:"instanceId"`
	Version     string      `json:"version"`
	BlockedIPs  []string    `json:"blockedIps"`
	SystemStats SystemStats `json:"systemStats"`
}

// AgentStats tracks pipeline counters exposed via the state endpoint.
type AgentStats struct {
	LinesRead    int64 `json:"lines_read"`
	EventsParsed int64 `json:"events_parsed"`
	BlocksIssued int64 `json:"blocks_issued"`
	SweepsRun    int64 `json:"sweeps_run"`
}

// StateResponse is the full agent snapshot returned by GET /state.
type StateResponse struct {
	Blocked  [][]interface{} `json:"blocked"` // [[ip, entry], ...]
	Settings *AgentConfig    `json:"settings"`
	Uptime   string          `json:"uptime"`
	Stats    AgentStats      `json:"stats"`
}
