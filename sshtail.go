package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSH tailing reconnect policy. Remote sources back off exponentially after
// failures and reset after a successful session.
const (
	sshInitialRetryDelay = 5 * time.Second
	sshMaxRetryDelay     = 5 * time.Minute
	sshBackoffMultiplier = 2.0
	sshConnectTimeout    = 30 * time.Second
	sshMaxLineBuffer     = 64 * 1024
)

// sshTailer follows one remote log file over an SSH session running tail -F.
// Rotation handling is delegated to tail's own -F semantics on the remote
// host; the local tailer's offset tracking does not apply here.
type sshTailer struct {
	source  SSHSource
	lines   chan<- tailLine
	counter *pipelineCounters
}

// newSSHTailer creates a tailer for one remote SSH source.
func newSSHTailer(source SSHSource, lines chan<- tailLine, counter *pipelineCounters) *sshTailer {
	return &sshTailer{source: source, lines: lines, counter: counter}
}

// Run connects and streams lines until the context is cancelled, retrying
// with exponential backoff on any connection or session failure.
func (s *sshTailer) Run(ctx context.Context) {
	delay := sshInitialRetryDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.connectAndStream(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		log.Printf("SSH source %s failed: %v, retrying in %v", s.source.Name, err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * sshBackoffMultiplier)
		if delay > sshMaxRetryDelay {
			delay = sshMaxRetryDelay
		}
	}
}

// connectAndStream dials the SSH server, starts tail -F and pumps lines
// into the shared channel until the session ends or the context cancels.
func (s *sshTailer) connectAndStream(ctx context.Context) error {
	config, err := s.clientConfig()
	if err != nil {
		return fmt.Errorf("failed to build SSH config: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", s.source.Host, s.source.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("failed to connect: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %v", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %v", err)
	}

	// -n 0 starts at the end of the file so historical lines are not
	// replayed into the detection pipeline.
	cmd := fmt.Sprintf("tail -F -n 0 %s", s.source.Path)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("failed to start tail command: %v", err)
	}

	log.Printf("SSH connected to %s (%s), tailing %s", s.source.Name, s.source.Host, s.source.Path)

	// Close the session when the context cancels so the scanner unblocks.
	go func() {
		<-ctx.Done()
		session.Close()
		client.Close()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, sshMaxLineBuffer), sshMaxLineBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.counter.addLine()
		select {
		case <-ctx.Done():
			return nil
		case s.lines <- tailLine{Source: "ssh:" + s.source.Name, Line: line}:
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("scanner error: %v", err)
	}
	return session.Wait()
}

// clientConfig builds the SSH client configuration for this source.
func (s *sshTailer) clientConfig() (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:            s.source.Username,
		Timeout:         sshConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	switch s.source.AuthMethod {
	case "password":
		config.Auth = []ssh.AuthMethod{ssh.Password(s.source.Password)}
	case "key":
		auth, err := s.keyAuth()
		if err != nil {
			return nil, err
		}
		config.Auth = []ssh.AuthMethod{auth}
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", s.source.AuthMethod)
	}

	return config, nil
}

// keyAuth loads the private key from inline base64 data or a file path.
func (s *sshTailer) keyAuth() (ssh.AuthMethod, error) {
	var keyData []byte
	var err error

	if s.source.PrivateKeyData != "" {
		keyData, err = base64.StdEncoding.DecodeString(s.source.PrivateKeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode private key data: %v", err)
		}
	} else {
		keyData, err = os.ReadFile(s.source.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %v", err)
		}
	}

	var signer ssh.Signer
	if s.source.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(s.source.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	return ssh.PublicKeys(signer), nil
}
