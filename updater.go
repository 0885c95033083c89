package main

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const updateRequestTimeout = 60 * time.Second

// Updater checks a version manifest and, when the published version
// differs from the running one, downloads the new binary, verifies its
// RSA-SHA256 signature against the local public key and swaps it in with
// an atomic rename. Verification failure aborts the update; the running
// binary is never touched until a download has verified.
type Updater struct {
	manifestURL    string
	publicKeyPath  string
	binaryPath     string
	currentVersion func() string
	client         *http.Client

	// restart is swappable for tests.
	restart func() error
}

func NewUpdater(manifestURL, publicKeyPath, binaryPath string, currentVersion func() string) *Updater {
	return &Updater{
		manifestURL:    manifestURL,
		publicKeyPath:  publicKeyPath,
		binaryPath:     binaryPath,
		currentVersion: currentVersion,
		client:         &http.Client{Timeout: updateRequestTimeout},
		restart:        triggerRestart,
	}
}

// Check fetches the manifest and runs an install when the published
// version is not the running version. Any difference counts, upgrade or
// downgrade.
func (u *Updater) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.manifestURL, nil)
	if err != nil {
		return fmt.Errorf("building manifest request: %v", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching manifest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest fetch returned status %d", resp.StatusCode)
	}

	var manifest VersionManifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&manifest); err != nil {
		return fmt.Errorf("decoding manifest: %v", err)
	}
	if manifest.Version == "" || manifest.URL == "" || manifest.Signature == "" {
		return fmt.Errorf("manifest is missing required fields")
	}

	if manifest.Version == u.currentVersion() {
		return nil
	}

	log.Printf("update available: %s -> %s", u.currentVersion(), manifest.Version)
	return u.Install(ctx, &manifest)
}

// Install downloads, verifies and swaps in the binary from the manifest,
// then asks the process supervisor for a restart.
func (u *Updater) Install(ctx context.Context, manifest *VersionManifest) error {
	pub, err := loadUpdatePublicKey(u.publicKeyPath)
	if err != nil {
		return fmt.Errorf("loading update public key: %v", err)
	}

	data, err := u.download(ctx, manifest.URL)
	if err != nil {
		return err
	}

	if err := verifyUpdateSignature(pub, data, manifest.Signature); err != nil {
		return fmt.Errorf("update %s rejected: %v", manifest.Version, err)
	}

	// Stage in the binary's directory so the final rename stays on one
	// filesystem and is atomic.
	dir := filepath.Dir(u.binaryPath)
	tmp, err := os.CreateTemp(dir, ".hostsentry-update-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %v", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing staging file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing staging file: %v", err)
	}
	if err := os.Chmod(tmpPath, 0755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("marking staging file executable: %v", err)
	}
	if err := os.Rename(tmpPath, u.binaryPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing new binary: %v", err)
	}

	log.Printf("installed version %s, requesting restart", manifest.Version)
	return u.restart()
}

func (u *Updater) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %v", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading update: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, fmt.Errorf("reading update body: %v", err)
	}
	return data, nil
}

// loadUpdatePublicKey reads a PEM-encoded RSA public key.
func loadUpdatePublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %v", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in %s is not RSA", path)
	}
	return pub, nil
}

// verifyUpdateSignature checks a base64 RSA-SHA256 signature over the
// binary contents.
func verifyUpdateSignature(pub *rsa.PublicKey, data []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %v", err)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature verification failed: %v", err)
	}
	return nil
}

// triggerRestart hands control back to the process supervisor. With a
// RESTART_COMMAND configured that command runs; otherwise the agent sends
// itself SIGTERM and relies on the supervisor's restart policy.
func triggerRestart() error {
	if cmd := os.Getenv("RESTART_COMMAND"); cmd != "" {
		log.Printf("running restart command: %s", cmd)
		return exec.Command("/bin/sh", "-c", cmd).Start()
	}
	log.Printf("sending SIGTERM to self for supervisor restart")
	return syscall.Kill(os.Getpid(), syscall.SIGTERM)
}
