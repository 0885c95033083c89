package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"
)

// Blocker owns the in-memory table of blocked source IPs and keeps it in
// step with the firewall service. Mutations (block, unblock, sweep) run
// under a single operation lock so rule changes for the same address never
// race the firewall; reads take a separate table lock.
type Blocker struct {
	opMutex    sync.Mutex
	tableMutex sync.RWMutex
	entries    map[string]*BlockedIPEntry

	firewall *FirewallClient
	mirror   *blockMirror
	counters *pipelineCounters
	duration func() time.Duration
}

func NewBlocker(firewall *FirewallClient, mirror *blockMirror, counters *pipelineCounters, duration func() time.Duration) *Blocker {
	return &Blocker{
		entries:  make(map[string]*BlockedIPEntry),
		firewall: firewall,
		mirror:   mirror,
		counters: counters,
		duration: duration,
	}
}

// Block installs a firewall deny rule for ip and records the entry. Already
// blocked addresses are a no-op success, as is a duplicate report from the
// firewall. On firewall error no entry is recorded.
func (b *Blocker) Block(ctx context.Context, ip, reason string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}

	b.opMutex.Lock()
	defer b.opMutex.Unlock()

	b.tableMutex.RLock()
	_, exists := b.entries[ip]
	b.tableMutex.RUnlock()
	if exists {
		return nil
	}

	result, err := b.firewall.AddIngressDenyRule(ctx, ip)
	if result == fwError {
		return fmt.Errorf("blocking %s: %v", ip, err)
	}
	if result == fwDuplicate {
		log.Printf("firewall already had deny rule for %s", ip)
	}

	now := time.Now().UTC()
	dur := b.duration()
	entry := &BlockedIPEntry{
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(dur),
	}

	b.tableMutex.Lock()
	b.entries[ip] = entry
	b.tableMutex.Unlock()

	b.counters.addBlock()
	b.mirror.set(ip, reason, dur)
	log.Printf("blocked %s for %s (reason: %s)", ip, dur, reason)
	return nil
}

// Unblock removes the deny rule and table entry for ip. Unblocking an
// address that was never blocked is a no-op success, and a not-found from
// the firewall is treated as success too. The local entry is removed even
// when the firewall call fails.
func (b *Blocker) Unblock(ctx context.Context, ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}

	b.opMutex.Lock()
	defer b.opMutex.Unlock()

	result, err := b.firewall.RemoveIngressDenyRule(ctx, ip)

	b.tableMutex.Lock()
	_, existed := b.entries[ip]
	delete(b.entries, ip)
	b.tableMutex.Unlock()

	b.mirror.remove(ip)

	if result == fwError {
		return fmt.Errorf("unblocking %s: %v", ip, err)
	}
	if existed {
		log.Printf("unblocked %s", ip)
	}
	return nil
}

// Sweep removes every entry whose expiry has passed. Runs as a recurring
// task; the operation lock also keeps sweeps from overlapping each other.
func (b *Blocker) Sweep(ctx context.Context) {
	b.sweepAt(ctx, time.Now().UTC())
}

func (b *Blocker) sweepAt(ctx context.Context, now time.Time) {
	b.opMutex.Lock()
	defer b.opMutex.Unlock()

	b.tableMutex.RLock()
	var expired []string
	for ip, entry := range b.entries {
		// An entry is expired once expiresAt <= now.
		if !entry.ExpiresAt.After(now) {
			expired = append(expired, ip)
		}
	}
	b.tableMutex.RUnlock()

	for _, ip := range expired {
		result, err := b.firewall.RemoveIngressDenyRule(ctx, ip)
		if result == fwError {
			// Keep the entry so the next sweep retries the removal.
			log.Printf("WARNING: sweep failed to unblock %s: %v", ip, err)
			continue
		}
		b.tableMutex.Lock()
		delete(b.entries, ip)
		b.tableMutex.Unlock()
		b.mirror.remove(ip)
		log.Printf("block expired for %s", ip)
	}

	b.counters.addSweep()
}

// Snapshot returns the block table as [ip, entry] pairs sorted by address,
// the shape the control API and heartbeat both report.
func (b *Blocker) Snapshot() [][]interface{} {
	b.tableMutex.RLock()
	defer b.tableMutex.RUnlock()

	ips := make([]string, 0, len(b.entries))
	for ip := range b.entries {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	out := make([][]interface{}, 0, len(ips))
	for _, ip := range ips {
		entry := *b.entries[ip]
		out = append(out, []interface{}{ip, entry})
	}
	return out
}

// BlockedIPs returns the blocked addresses sorted.
func (b *Blocker) BlockedIPs() []string {
	b.tableMutex.RLock()
	defer b.tableMutex.RUnlock()

	ips := make([]string, 0, len(b.entries))
	for ip := range b.entries {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
