package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	defaultConfigPath = "/etc/hostsentry/agent.json"
	lineChannelSize   = 4096
	decisionQueueSize = 256
	tailRingSize      = 500
)

// pipelineCounters tracks throughput across the tail-parse-block pipeline.
type pipelineCounters struct {
	linesRead    int64
	eventsParsed int64
	blocksIssued int64
	sweepsRun    int64
}

func (c *pipelineCounters) addLine()  { atomic.AddInt64(&c.linesRead, 1) }
func (c *pipelineCounters) addEvent() { atomic.AddInt64(&c.eventsParsed, 1) }
func (c *pipelineCounters) addBlock() { atomic.AddInt64(&c.blocksIssued, 1) }
func (c *pipelineCounters) addSweep() { atomic.AddInt64(&c.sweepsRun, 1) }

func (c *pipelineCounters) snapshot() AgentStats {
	return AgentStats{
		LinesRead:    atomic.LoadInt64(&c.linesRead),
		EventsParsed: atomic.LoadInt64(&c.eventsParsed),
		BlocksIssued: atomic.LoadInt64(&c.blocksIssued),
		SweepsRun:    atomic.LoadInt64(&c.sweepsRun),
	}
}

// Agent ties the pipeline together: tailers feed lines, the parse loop
// turns them into events, the detector emits decisions, and the blocker
// applies them.
type Agent struct {
	configMutex sync.RWMutex
	config      *AgentConfig

	blocker   *Blocker
	detector  *Detector
	geo       *GeoResolver
	ring      *eventRing
	updater   *Updater
	counters  *pipelineCounters
	startTime time.Time

	lines     chan tailLine
	decisions chan BlockDecision

	// announce logs enrichment for a freshly blocked address. Runs in its
	// own goroutine per block; swappable for tests.
	announce func(ip string)
}

// currentConfig returns a snapshot of the live configuration.
func (a *Agent) currentConfig() AgentConfig {
	a.configMutex.RLock()
	defer a.configMutex.RUnlock()
	return *a.config
}

// mergeConfig applies a control API patch onto the live configuration.
// The swap is atomic: a rejected patch leaves the config untouched.
func (a *Agent) mergeConfig(patch []byte) (*AgentConfig, error) {
	a.configMutex.Lock()
	defer a.configMutex.Unlock()

	merged, err := mergeAgentConfig(a.config, patch)
	if err != nil {
		return nil, err
	}
	a.config = merged
	return merged, nil
}

func newAgent(cfg *AgentConfig) (*Agent, error) {
	agent := &Agent{
		config:    cfg,
		counters:  &pipelineCounters{},
		ring:      newEventRing(tailRingSize),
		startTime: time.Now().UTC(),
		lines:     make(chan tailLine, lineChannelSize),
	}

	mirror := newBlockMirror(cfg.InstanceID)
	firewall := NewFirewallClient(cfg.FirewallURL, cfg.MonitoredPort)

	agent.blocker = NewBlocker(firewall, mirror, agent.counters, func() time.Duration {
		return time.Duration(agent.currentConfig().BlockDuration) * time.Minute
	})

	agent.decisions = make(chan BlockDecision, decisionQueueSize)
	agent.detector = NewDetector(func() (int, int, time.Duration) {
		c := agent.currentConfig()
		return c.RateThreshold, c.ScanThreshold, time.Duration(c.RateWindow) * time.Second
	}, agent.decisions)

	agent.announce = agent.announceBlock
	agent.geo = NewGeoResolver(cfg.GeoASNPath, cfg.GeoCountryPath)
	if err := agent.geo.Load(); err != nil {
		log.Printf("WARNING: geo databases unavailable: %v", err)
	}

	if cfg.AutoUpdate {
		binary, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own binary path: %v", err)
		}
		agent.updater = NewUpdater(cfg.UpdateURL, cfg.PublicKeyPath, binary, func() string {
			return agent.currentConfig().Version
		})
	}

	return agent, nil
}

// run starts every pipeline goroutine and the recurring tasks, then
// blocks until ctx is cancelled.
func (a *Agent) run(ctx context.Context) {
	cfg := a.currentConfig()

	if len(cfg.LogPaths) > 0 {
		tailer := NewTailer(cfg.LogPaths, a.lines, a.counters)
		go tailer.Run(ctx)
	}
	for _, src := range cfg.SSHSources {
		if !src.Enabled {
			continue
		}
		go newSSHTailer(src, a.lines, a.counters).Run(ctx)
	}

	go a.parseLoop(ctx)
	go a.decisionLoop(ctx)

	sched := &Scheduler{}
	sched.Add("sweep", a.configInterval(func(c AgentConfig) int { return c.SweepInterval }), func(ctx context.Context) {
		a.blocker.Sweep(ctx)
	})
	sched.Add("heartbeat", a.configInterval(func(c AgentConfig) int { return c.HeartbeatInterval }), func(ctx context.Context) {
		sendHeartbeat(ctx, a.currentConfig(), a.blocker)
	})
	if a.updater != nil {
		sched.Add("update-check", a.configInterval(func(c AgentConfig) int { return c.UpdateCheckInterval }), func(ctx context.Context) {
			if err := a.updater.Check(ctx); err != nil {
				log.Printf("WARNING: update check failed: %v", err)
			}
		})
	}
	if cfg.GeoASNPath != "" || cfg.GeoCountryPath != "" {
		sched.Add("geo-refresh", a.configInterval(func(c AgentConfig) int { return c.GeoRefreshInterval }), func(ctx context.Context) {
			a.geo.Refresh()
		})
	}
	sched.Start(ctx)

	<-ctx.Done()
}

func (a *Agent) configInterval(pick func(AgentConfig) int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(pick(a.currentConfig())) * time.Second
	}
}

// parseLoop turns raw tail lines into events, records them in the tail
// ring and hands them to the detector. Unparseable lines are dropped.
func (a *Agent) parseLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-a.lines:
			ev := parseLogLine(line.Line, a.currentConfig().LogDialect, time.Now())
			if ev == nil {
				continue
			}
			a.counters.addEvent()
			a.ring.Add(*ev)
			a.detector.Process(ev)
		}
	}
}

// decisionLoop is the single consumer of block decisions.
func (a *Agent) decisionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-a.decisions:
			if err := a.blocker.Block(ctx, d.IP, d.Reason); err != nil {
				log.Printf("WARNING: failed to block %s: %v", d.IP, err)
			} else {
				// Enrichment does a PTR lookup, which can take seconds.
				// Keep it off the loop so decisions keep draining.
				go a.announce(d.IP)
			}
		}
	}
}

func (a *Agent) announceBlock(ip string) {
	if geo := a.geo.Lookup(ip); geo.ASN != 0 || geo.Country != "" || geo.Hostname != "" {
		log.Printf("blocked address %s: AS%d %s country=%s host=%s", ip, geo.ASN, geo.Org, geo.Country, geo.Hostname)
	}
}

// daemonize detaches the process for background operation.
func daemonize(pidFile string) error {
	pid := os.Getpid()

	if _, err := syscall.Setsid(); err != nil {
		return fmt.Errorf("failed to create new session: %v", err)
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("failed to change directory to /: %v", err)
	}

	devNull, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open /dev/null: %v", err)
	}
	defer devNull.Close()

	if os.Getenv("DEBUG") == "" {
		os.Stdin = devNull
		os.Stdout = devNull
		os.Stderr = devNull
	}

	if pidFile != "" {
		if err := writePIDFile(pidFile, pid); err != nil {
			return fmt.Errorf("failed to write PID file: %v", err)
		}
	}

	log.Printf("hostsentry daemonized with PID %d", pid)
	return nil
}

func writePIDFile(pidFile string, pid int) error {
	dir := filepath.Dir(pidFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory %s: %v", dir, err)
	}

	file, err := os.Create(pidFile)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "%d\n", pid)
	return err
}

func removePIDFile(pidFile string) {
	if pidFile != "" {
		if err := os.Remove(pidFile); err != nil {
			log.Printf("Warning: failed to remove PID file %s: %v", pidFile, err)
		}
	}
}

func main() {
	daemonMode := strings.ToLower(os.Getenv("DAEMON")) == "true" || os.Getenv("DAEMON") == "1"
	pidFile := os.Getenv("PID_FILE")

	if daemonMode {
		if err := daemonize(pidFile); err != nil {
			log.Fatalf("Failed to daemonize: %v", err)
		}
	}

	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
		log.Printf("using config %s, set AGENT_CONFIG env var to change", configPath)
	}

	cfg, err := loadAgentConfiguration(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	agent, err := newAgent(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := startControlAPI(agent); err != nil {
			log.Fatalf("Control API failed: %v", err)
		}
	}()

	go agent.run(ctx)

	if daemonMode {
		log.Printf("hostsentry %s started in daemon mode (instance %s)", cfg.Version, cfg.InstanceID)
	} else {
		log.Printf("hostsentry %s started (instance %s)", cfg.Version, cfg.InstanceID)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("Signal (%v) received, stopping...", s)

	cancel()

	if daemonMode && pidFile != "" {
		removePIDFile(pidFile)
	}

	log.Printf("hostsentry stopped")
	os.Exit(0)
}
