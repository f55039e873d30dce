package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.Address() != "example.com:22" {
		t.Errorf("unexpected address %s", config.Address())
	}
}

func writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestConfigValidation(t *testing.T) {
	keyPath := writeKey(t)

	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "valid key config",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = keyPath },
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name:       "missing password",
			modifyFunc: func(c *Config) { c.AuthMethod = AuthMethodPassword },
			errorMsg:   "password is required",
		},
		{
			name:       "missing key file",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			errorMsg:   "private key file not found",
		},
		{
			name:       "unsupported auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "strict checking without known hosts",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.KnownHostsPath = ""
			},
			errorMsg: "known hosts path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestBuildSSHClientConfigWithKey(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.PrivateKeyPath = writeKey(t)
	config.StrictHostKeyChecking = false

	clientConfig, closer, err := config.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig: %v", err)
	}
	defer closer()

	if clientConfig.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("expected one auth method, got %d", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != 30*time.Second {
		t.Errorf("unexpected timeout %v", clientConfig.Timeout)
	}
}

func TestBuildSSHClientConfigBadKnownHosts(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

	if _, _, err := config.BuildSSHClientConfig(); err == nil {
		t.Fatal("expected error for missing known_hosts")
	}
}
