package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// fwResult classifies a firewall service response so callers can treat
// "already blocked" and "was not blocked" as success without string
// matching on errors.
type fwResult int

const (
	fwOK fwResult = iota
	fwDuplicate
	fwNotFound
	fwError
)

const firewallRequestTimeout = 15 * time.Second

// FirewallClient talks to the co-located firewall service that owns the
// actual packet filter. The agent only ever asks for single-address
// ingress deny rules on the monitored port.
type FirewallClient struct {
	baseURL string
	port    int
	client  *http.Client
}

func NewFirewallClient(baseURL string, port int) *FirewallClient {
	return &FirewallClient{
		baseURL: baseURL,
		port:    port,
		client:  &http.Client{Timeout: firewallRequestTimeout},
	}
}

type denyRuleRequest struct {
	CIDR   string `json:"cidr"`
	Port   int    `json:"port"`
	Action string `json:"action"`
}

// AddIngressDenyRule installs a deny rule for a single source address.
// A duplicate rule is reported as fwDuplicate, not an error.
func (f *FirewallClient) AddIngressDenyRule(ctx context.Context, ip string) (fwResult, error) {
	body, err := json.Marshal(denyRuleRequest{
		CIDR:   ip + "/32",
		Port:   f.port,
		Action: "deny",
	})
	if err != nil {
		return fwError, fmt.Errorf("encoding deny rule: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/deny-rules", bytes.NewReader(body))
	if err != nil {
		return fwError, fmt.Errorf("building deny rule request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fwError, fmt.Errorf("firewall add request: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return fwOK, nil
	case http.StatusConflict:
		return fwDuplicate, nil
	default:
		return fwError, fmt.Errorf("firewall add returned status %d", resp.StatusCode)
	}
}

// RemoveIngressDenyRule removes the deny rule for a source address. A
// missing rule is reported as fwNotFound, not an error.
func (f *FirewallClient) RemoveIngressDenyRule(ctx context.Context, ip string) (fwResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, f.baseURL+"/v1/deny-rules/"+ip, nil)
	if err != nil {
		return fwError, fmt.Errorf("building remove rule request: %v", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fwError, fmt.Errorf("firewall remove request: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return fwOK, nil
	case http.StatusNotFound:
		return fwNotFound, nil
	default:
		return fwError, fmt.Errorf("firewall remove returned status %d", resp.StatusCode)
	}
}
