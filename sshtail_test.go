package main

import (
	"strings"
	"testing"
)

func TestSSHClientConfigPasswordAuth(t *testing.T) {
	s := newSSHTailer(SSHSource{
		Name:       "edge",
		Host:       "10.0.0.5",
		Port:       22,
		Username:   "tail",
		AuthMethod: "password",
		Password:   "hunter2",
		Path:       "/var/log/nginx/access.log",
	}, nil, nil)

	config, err := s.clientConfig()
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	if config.User != "tail" {
		t.Errorf("expected user tail, got %s", config.User)
	}
	if len(config.Auth) != 1 {
		t.Errorf("expected 1 auth method, got %d", len(config.Auth))
	}
}

func TestSSHClientConfigRejectsUnknownAuth(t *testing.T) {
	s := newSSHTailer(SSHSource{AuthMethod: "kerberos"}, nil, nil)
	if _, err := s.clientConfig(); err == nil {
		t.Fatal("expected error for unknown auth method")
	}
}

func TestSSHKeyAuthBadData(t *testing.T) {
	tests := []struct {
		name    string
		source  SSHSource
		wantErr string
	}{
		{
			name:    "invalid base64",
			source:  SSHSource{AuthMethod: "key", PrivateKeyData: "not base64!!!"},
			wantErr: "decode",
		},
		{
			name:    "missing key file",
			source:  SSHSource{AuthMethod: "key", PrivateKeyPath: "/nonexistent/key"},
			wantErr: "read",
		},
		{
			name:    "garbage key material",
			source:  SSHSource{AuthMethod: "key", PrivateKeyData: "bm90IGEga2V5"},
			wantErr: "parse",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newSSHTailer(tc.source, nil, nil)
			_, err := s.keyAuth()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}
