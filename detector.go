package main

import (
	"log"
	"regexp"
	"sync"
	"time"
)

// pathPattern is one named malicious-path signature. Order matters: the
// first matching pattern wins and its name becomes the block reason.
type pathPattern struct {
	name  string
	regex *regexp.Regexp
}

// defaultPathPatterns covers the probes that show up constantly in access
// logs on any public host: CMS login brute force, secrets fishing, SQL
// injection, path traversal and generic scanner paths.
var defaultPathPatterns = []pathPattern{
	{"wp-login", regexp.MustCompile(`(?i)/wp-login\.php`)},
	{"xmlrpc", regexp.MustCompile(`(?i)/xmlrpc\.php`)},
	{"dotenv", regexp.MustCompile(`(?i)/\.env`)},
	{"git-exposure", regexp.MustCompile(`(?i)/\.git(/|$)`)},
	{"phpmyadmin", regexp.MustCompile(`(?i)/(phpmyadmin|pma|myadmin)(/|$)`)},
	{"sql-injection", regexp.MustCompile(`(?i)(union[+%20 ]+select|information_schema|%27|'%20or%20|' or 1=1)`)},
	{"path-traversal", regexp.MustCompile(`(\.\./|%2e%2e%2f|%2e%2e/)`)},
	{"shell-probe", regexp.MustCompile(`(?i)(/etc/passwd|/bin/sh|/cgi-bin/.*\.(sh|cgi))`)},
	{"php-probe", regexp.MustCompile(`(?i)/(shell|cmd|eval|config)\.php`)},
}

// ipCounter tracks one source IP inside the current rate window. The 404
// counter lives alongside the rate counter and is reset only when the rate
// window rolls over.
type ipCounter struct {
	windowStart time.Time
	requests    int
	notFound    int
}

// detectorLimits returns the live detection thresholds. Injected so that
// runtime config merges take effect without rebuilding the detector.
type detectorLimits func() (rateThreshold, scanThreshold int, rateWindow time.Duration)

// Detector consumes parsed request events and emits block decisions on a
// channel with a single consumer. Checks run in fixed precedence: request
// rate, then malicious path patterns, then 404 scanning. The first match
// short-circuits the rest.
type Detector struct {
	mutex     sync.Mutex
	counters  map[string]*ipCounter
	patterns  []pathPattern
	limits    detectorLimits
	decisions chan<- BlockDecision
}

func NewDetector(limits detectorLimits, decisions chan<- BlockDecision) *Detector {
	return &Detector{
		counters:  make(map[string]*ipCounter),
		patterns:  defaultPathPatterns,
		limits:    limits,
		decisions: decisions,
	}
}

// Process runs one event through the detection checks. Counter state is
// per source IP and advances on every event regardless of which check, if
// any, fires.
func (d *Detector) Process(ev *RequestEvent) {
	rateThreshold, scanThreshold, window := d.limits()
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	d.mutex.Lock()
	c := d.counters[ev.IP]
	if c == nil {
		c = &ipCounter{windowStart: now}
		d.counters[ev.IP] = c
	}
	if now.Sub(c.windowStart) > window {
		c.windowStart = now
		c.requests = 0
		c.notFound = 0
	}
	c.requests++
	if ev.Status == 404 {
		c.notFound++
	}
	requests, notFound := c.requests, c.notFound
	d.mutex.Unlock()

	// Emit on the crossing event only so a flood yields one decision per
	// window, not one per excess request.
	if requests == rateThreshold+1 {
		d.emit(ev.IP, "high-rate")
		return
	}

	for _, p := range d.patterns {
		if p.regex.MatchString(ev.Path) {
			d.emit(ev.IP, "pattern:"+p.name)
			return
		}
	}

	if ev.Status == 404 && notFound == scanThreshold+1 {
		d.emit(ev.IP, "404-scan")
	}
}

// emit hands a decision to the blocking pipeline without waiting on it. If
// the queue is full the decision is dropped; the source keeps matching, so a
// fresh decision is emitted on the next offending request once the queue
// drains.
func (d *Detector) emit(ip, reason string) {
	select {
	case d.decisions <- BlockDecision{IP: ip, Reason: reason}:
	default:
		log.Printf("WARNING: decision queue full, dropping block decision for %s (%s)", ip, reason)
	}
}
