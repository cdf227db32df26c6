package config

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validConfig() *Config {
	return &Config{
		ContactPoints:   []string{"127.0.0.1:9042"},
		Port:            9042,
		StoragePort:     7000,
		SocketTimeoutMS: 5000,
		QueryTimeoutSec: 10,
		OutputFormat:    "console",
	}
}

func TestValidateEmptyContactPoints(t *testing.T) {
	cfg := validConfig()
	cfg.ContactPoints = nil

	if err := cfg.Validate(); !errors.Is(err, ErrNoContactPoints) {
		t.Errorf("Validate() error = %v, want ErrNoContactPoints", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"bad storage port", func(c *Config) { c.StoragePort = 70000 }, true},
		{"zero socket timeout", func(c *Config) { c.SocketTimeoutMS = 0 }, true},
		{"zero query timeout", func(c *Config) { c.QueryTimeoutSec = 0 }, true},
		{"bad format", func(c *Config) { c.OutputFormat = "xml" }, true},
		{"json format", func(c *Config) { c.OutputFormat = "json" }, false},
		{"verbose and quiet", func(c *Config) { c.Verbose = true; c.Quiet = true }, true},
		{"missing credential file", func(c *Config) { c.CredentialsFile = "/does/not/exist" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitContactPoints(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"10.0.0.1", []string{"10.0.0.1"}},
		{"10.0.0.1:9042,10.0.0.2:9042", []string{"10.0.0.1:9042", "10.0.0.2:9042"}},
		{" a , b ,", []string{"a", "b"}},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitContactPoints(tt.in)); diff != "" {
			t.Errorf("splitContactPoints(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestApplyCredentialsFillsBlanksOnly(t *testing.T) {
	cfg := validConfig()
	cfg.Username = "cli-user"

	cfg.applyCredentials(&Credentials{
		Username:   "file-user",
		Password:   "file-pass",
		Hostname:   "cass.internal",
		Port:       19042,
		TimeoutSec: 7,
	})

	if cfg.Username != "cli-user" {
		t.Errorf("Username = %q, CLI value must win", cfg.Username)
	}
	if cfg.Password != "file-pass" {
		t.Errorf("Password = %q, want file value", cfg.Password)
	}
	if len(cfg.ContactPoints) != 1 || cfg.ContactPoints[0] != "127.0.0.1:9042" {
		t.Errorf("ContactPoints = %v, CLI value must win", cfg.ContactPoints)
	}
	if cfg.Port != 19042 {
		t.Errorf("Port = %d, want 19042 from credential file", cfg.Port)
	}
	if cfg.SocketTimeoutMS != 7000 {
		t.Errorf("SocketTimeoutMS = %d, want 7000", cfg.SocketTimeoutMS)
	}
}

func TestApplyCredentialsEnablesSSL(t *testing.T) {
	cfg := validConfig()
	cfg.applyCredentials(&Credentials{
		CAFile:   "/etc/certs/ca.pem",
		Validate: true,
	})

	if !cfg.SSL {
		t.Error("SSL not enabled by credential file cert material")
	}
	if !cfg.SSLValidate {
		t.Error("SSLValidate not carried from credential file")
	}
}
