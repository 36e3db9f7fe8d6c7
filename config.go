package gontpc

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// DefaultTimeout bounds a whole query when Config.Timeout is unset.
const DefaultTimeout = 15 * time.Second

type Config struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
	Metric  string        `yaml:"metric"`

	LocalAddr string `yaml:"local_addr"`
	Interface string `yaml:"interface"`
	TOS       int    `yaml:"tos"`
	TTL       int    `yaml:"ttl"`

	Deny    []string `yaml:"deny"`
	DenyLAN bool     `yaml:"deny_lan"`
}

func DefaultConfig() *Config {
	return &Config{Timeout: DefaultTimeout}
}

func NewConfigFromFile(path string) (cfg *Config, err error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg = DefaultConfig()
	if err = yaml.Unmarshal(p, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout %s is negative", c.Timeout)
	}
	if c.TOS < 0 || c.TOS > 0xff {
		return fmt.Errorf("tos %d out of range", c.TOS)
	}
	if c.TTL < 0 || c.TTL > 0xff {
		return fmt.Errorf("ttl %d out of range", c.TTL)
	}
	return nil
}
