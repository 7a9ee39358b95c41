// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type tools struct {
	Dir string `json:"dir"`
}

type network struct {
	Proxy    string `json:"proxy"`
	Insecure bool   `json:"insecure"`
}

type patch struct {
	Method           string `json:"method"`
	KeepVerity       bool   `json:"keep-verity"`
	KeepForceEncrypt bool   `json:"keep-force-encrypt"`
}

// Config is the configuration struct
type Config struct {
	Tools   tools   `json:"tools"`
	Network network `json:"network"`
	Patch   patch   `json:"patch"`
	// Partitions limits which partitions may be dumped; empty allows all
	Partitions []string `json:"partitions"`
}

func (c *Config) verify() error {
	if c.Patch.Method == "" {
		c.Patch.Method = "kernelsu"
	}
	switch c.Patch.Method {
	case "kernelsu", "ksu", "k", "magisk", "m":
	default:
		return fmt.Errorf("config: unknown patch method %q", c.Patch.Method)
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
