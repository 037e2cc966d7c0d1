package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Concurrency != 50 || c.OutputFolder != "output" || c.PollIntervalSecs != 5 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transkribusctl.json")
	c := Default()
	c.Concurrency = 10
	c.RPS = 2.5
	c.OutputFolder = "results"
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Concurrency != 10 || got.RPS != 2.5 || got.OutputFolder != "results" {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transkribusctl.json")
	if err := os.WriteFile(path, []byte(`{"concurrency": 5}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Concurrency != 5 {
		t.Fatalf("expected concurrency 5, got %d", got.Concurrency)
	}
	if got.PollIntervalSecs != 5 || got.OutputFolder != "output" {
		t.Fatalf("defaults not preserved: %+v", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, false},
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }, false},
		{"zero poll interval", func(c *Config) { c.PollIntervalSecs = 0 }, false},
		{"unbounded poll timeout", func(c *Config) { c.PollTimeoutSecs = 0 }, true},
		{"negative rps", func(c *Config) { c.RPS = -1 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
