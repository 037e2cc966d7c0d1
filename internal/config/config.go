package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Concurrency       int     `json:"concurrency"`
	OutputFolder      string  `json:"output_folder"`
	PollIntervalSecs  int     `json:"poll_interval_seconds"`
	PollTimeoutSecs   int     `json:"poll_timeout_seconds"`
	RPS               float64 `json:"rps"`
	DBPath            string  `json:"db_path"`
	OIDCEndpoint      string  `json:"oidc_endpoint"`
	ProcessesEndpoint string  `json:"processes_endpoint"`
	ClientID          string  `json:"client_id"`
	HTRID             int     `json:"htr_id"`
}

func Default() *Config {
	return &Config{
		Concurrency:      50,
		OutputFolder:     "output",
		PollIntervalSecs: 5,
		// The processing API imposes no maximum wait on its side; half an
		// hour is the bound here, 0 restores unbounded waiting.
		PollTimeoutSecs: 1800,
		DBPath:          "transkribusctl.db",
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), nil
	}
	defer f.Close()
	c := Default()
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(c)
}

func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	if c.PollIntervalSecs <= 0 {
		return fmt.Errorf("poll interval must be a positive number of seconds")
	}
	if c.PollTimeoutSecs < 0 {
		return fmt.Errorf("poll timeout must be >= 0 seconds")
	}
	if c.RPS < 0 {
		return fmt.Errorf("rps must be >= 0")
	}
	return nil
}
