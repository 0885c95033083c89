package main

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Access log dialect regexes. Apache Common Log Format with an optional
// combined-format tail, and an nginx-style plaintext variant
// ($remote_addr [$time_iso8601] "$request" $status "$http_user_agent").
var (
	apacheLogRegex = regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+)(?: [^"]*)?" (\d{3})(?: (?:\d+|-))?(?: "[^"]*" "([^"]*)")?`)
	nginxLogRegex  = regexp.MustCompile(`^(\S+) \[([^\]]+)\] "(\S+) (\S+)(?: [^"]*)?" (\d{3})(?: "([^"]*)")?`)
)

// jsonLogLine covers the field aliases seen across structured access log
// producers. Only the fields the detection pipeline needs are extracted.
type jsonLogLine struct {
	RemoteAddr string          `json:"remote_addr"`
	ClientIP   string          `json:"client_ip"`
	Request    string          `json:"request"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Status     json.RawMessage `json:"status"`
	UserAgent  string          `json:"user_agent"`
	HTTPUA     string          `json:"http_user_agent"`
	TimeLocal  string          `json:"time_local"`
}

// parseLogLine converts one raw access log line into a RequestEvent, or
// returns nil when no dialect matches. Pure: the caller supplies the clock,
// used only when the line itself carries no parseable timestamp.
func parseLogLine(line, dialect string, now time.Time) *RequestEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	switch dialect {
	case "json":
		return parseJSONLine(line, now)
	case "apache":
		return parseApacheLine(line, now)
	case "nginx":
		return parseNginxLine(line, now)
	}

	// Auto: structured lines first, then the plaintext dialects in order.
	if ev := parseJSONLine(line, now); ev != nil {
		return ev
	}
	if ev := parseApacheLine(line, now); ev != nil {
		return ev
	}
	return parseNginxLine(line, now)
}

// parseJSONLine handles one-object-per-line structured access logs.
func parseJSONLine(line string, now time.Time) *RequestEvent {
	if !strings.HasPrefix(line, "{") {
		return nil
	}

	var rec jsonLogLine
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil
	}

	ip := rec.RemoteAddr
	if ip == "" {
		ip = rec.ClientIP
	}
	if ip == "" {
		return nil
	}

	method, path := rec.Method, rec.Path
	if rec.Request != "" {
		// "GET /x HTTP/1.1": first token is the method, second the path.
		parts := strings.SplitN(rec.Request, " ", 3)
		if len(parts) >= 2 {
			method, path = parts[0], parts[1]
		}
	}
	if path == "" {
		return nil
	}

	// Status appears both as a number and as a quoted string in the wild.
	status, err := strconv.Atoi(strings.Trim(string(rec.Status), `"`))
	if err != nil {
		return nil
	}

	ua := rec.UserAgent
	if ua == "" {
		ua = rec.HTTPUA
	}

	ts := now.UTC()
	if rec.TimeLocal != "" {
		if t, err := time.Parse("02/Jan/2006:15:04:05 -0700", rec.TimeLocal); err == nil {
			ts = t.UTC()
		}
	}

	return &RequestEvent{
		IP:        ip,
		Path:      path,
		Method:    method,
		Status:    status,
		UserAgent: ua,
		Timestamp: ts,
	}
}

// parseApacheLine handles Apache Common Log Format, with or without the
// combined-format referer/user-agent tail.
func parseApacheLine(line string, now time.Time) *RequestEvent {
	m := apacheLogRegex.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	status, err := strconv.Atoi(m[5])
	if err != nil {
		return nil
	}

	return &RequestEvent{
		IP:        m[1],
		Path:      m[4],
		Method:    m[3],
		Status:    status,
		UserAgent: m[6],
		Timestamp: parseCLFTime(m[2], now),
	}
}

// parseNginxLine handles the nginx-style plaintext variant.
func parseNginxLine(line string, now time.Time) *RequestEvent {
	m := nginxLogRegex.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	status, err := strconv.Atoi(m[5])
	if err != nil {
		return nil
	}

	ts := now.UTC()
	if t, err := time.Parse(time.RFC3339, m[2]); err == nil {
		ts = t.UTC()
	}

	return &RequestEvent{
		IP:        m[1],
		Path:      m[4],
		Method:    m[3],
		Status:    status,
		UserAgent: m[6],
		Timestamp: ts,
	}
}

// parseCLFTime parses the bracketed CLF timestamp, tolerating a missing
// timezone offset. Falls back to the supplied clock.
func parseCLFTime(value string, now time.Time) time.Time {
	if t, err := time.Parse("02/Jan/2006:15:04:05 -0700", value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("02/Jan/2006:15:04:05", value); err == nil {
		return t.UTC()
	}
	return now.UTC()
}
