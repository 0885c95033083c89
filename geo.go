package main

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/oschwald/maxminddb-golang"
)

const ptrQueryTimeout = 5 * time.Second

type asnRecord struct {
	AutonomousSystemNumber       uint   `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// GeoResolver answers ASN and country lookups from local MMDB files and
// enriches results with a reverse DNS name. Both database paths are
// optional; a missing database just leaves its fields empty. Refresh
// reopens the files so a periodic task can pick up database updates
// without a restart.
type GeoResolver struct {
	mutex       sync.RWMutex
	asn         *maxminddb.Reader
	country     *maxminddb.Reader
	asnPath     string
	countryPath string
}

func NewGeoResolver(asnPath, countryPath string) *GeoResolver {
	return &GeoResolver{asnPath: asnPath, countryPath: countryPath}
}

// Load opens whichever databases are configured. Open failures are
// returned but leave previously loaded readers intact.
func (g *GeoResolver) Load() error {
	var asn, country *maxminddb.Reader
	var err error

	if g.asnPath != "" {
		asn, err = maxminddb.Open(g.asnPath)
		if err != nil {
			return fmt.Errorf("opening ASN database: %v", err)
		}
	}
	if g.countryPath != "" {
		country, err = maxminddb.Open(g.countryPath)
		if err != nil {
			if asn != nil {
				asn.Close()
			}
			return fmt.Errorf("opening country database: %v", err)
		}
	}

	g.mutex.Lock()
	old1, old2 := g.asn, g.country
	g.asn, g.country = asn, country
	g.mutex.Unlock()

	if old1 != nil {
		old1.Close()
	}
	if old2 != nil {
		old2.Close()
	}
	return nil
}

// Refresh re-reads the databases from disk. Meant for the daily task.
func (g *GeoResolver) Refresh() {
	if g.asnPath == "" && g.countryPath == "" {
		return
	}
	if err := g.Load(); err != nil {
		log.Printf("WARNING: geo database refresh failed: %v", err)
		return
	}
	log.Printf("geo databases refreshed")
}

// Lookup resolves what it can for ip. Never fails: unresolvable fields
// are simply left empty.
func (g *GeoResolver) Lookup(ip string) *GeoInfo {
	info := &GeoInfo{IP: ip}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return info
	}

	g.mutex.RLock()
	if g.asn != nil {
		var rec asnRecord
		if err := g.asn.Lookup(parsed, &rec); err == nil {
			info.ASN = rec.AutonomousSystemNumber
			info.Org = rec.AutonomousSystemOrganization
		}
	}
	if g.country != nil {
		var rec countryRecord
		if err := g.country.Lookup(parsed, &rec); err == nil {
			info.Country = rec.Country.ISOCode
		}
	}
	g.mutex.RUnlock()

	info.Hostname = lookupPTR(ip)
	return info
}

func (g *GeoResolver) Close() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.asn != nil {
		g.asn.Close()
		g.asn = nil
	}
	if g.country != nil {
		g.country.Close()
		g.country = nil
	}
}

// lookupPTR queries the system resolver for the reverse DNS name of ip.
// Best effort with a short timeout; empty on any failure.
func lookupPTR(ip string) string {
	reverse, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}

	resolvConf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(resolvConf.Servers) == 0 {
		return ""
	}

	msg := new(dns.Msg)
	msg.SetQuestion(reverse, dns.TypePTR)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: ptrQueryTimeout}
	resp, _, err := client.Exchange(msg, net.JoinHostPort(resolvConf.Servers[0], resolvConf.Port))
	if err != nil || resp == nil {
		return ""
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}
