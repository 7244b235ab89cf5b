package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional per-workspace YAML file carrying defaults
// that the environment does not set. A profile never overrides an
// explicitly configured environment value.
type Profile struct {
	Name string `yaml:"name"`

	Paths struct {
		EvidenceDir string `yaml:"evidence_dir"`
		PolicyDir   string `yaml:"policy_dir"`
		PluginDir   string `yaml:"plugin_dir"`
	} `yaml:"paths"`

	Retention struct {
		DefaultDays       int `yaml:"default_days"`
		ControlResultDays int `yaml:"control_result_days"`
	} `yaml:"retention"`

	Sampling struct {
		DefaultSize int `yaml:"default_size"`
	} `yaml:"sampling"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoadProfile parses a workspace profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Apply layers profile values under the current configuration. Only
// fields the environment left at their zero or built-in default are
// taken from the profile.
func (c *Config) Apply(p *Profile) {
	if p == nil {
		return
	}
	if c.EvidenceDir == "" {
		c.EvidenceDir = p.Paths.EvidenceDir
	}
	if c.PolicyDir == "" {
		c.PolicyDir = p.Paths.PolicyDir
	}
	if c.PluginDir == "" {
		c.PluginDir = p.Paths.PluginDir
	}
	if p.Retention.DefaultDays > 0 {
		c.RetentionDays = p.Retention.DefaultDays
	}
	if p.Retention.ControlResultDays > 0 {
		c.ControlRetentionDays = p.Retention.ControlResultDays
	}
	if p.Sampling.DefaultSize > 0 {
		c.SamplingDefaultSize = p.Sampling.DefaultSize
	}
	if p.RateLimit.RPS > 0 {
		c.RateLimitRPS = p.RateLimit.RPS
	}
	if p.RateLimit.Burst > 0 {
		c.RateLimitBurst = p.RateLimit.Burst
	}
}
