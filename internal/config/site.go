package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SiteConfig points the harvester at a different page and storage entries.
type SiteConfig struct {
	TargetURL   string         `yaml:"target_url"`
	StorageKeys SiteStorageKey `yaml:"storage_keys"`
}

type SiteStorageKey struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// LoadSite reads and validates a site YAML file. Returns an
// os.ErrNotExist-wrapped error if the file is absent.
func LoadSite(path string) (*SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("site config: %w", err)
	}
	var site SiteConfig
	if err := yaml.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("site config: %w", err)
	}
	if site.TargetURL != "" {
		if err := validateTargetURL(site.TargetURL); err != nil {
			return nil, fmt.Errorf("site config: %w", err)
		}
	}
	if site.StorageKeys.Fallback != "" && strings.TrimSpace(site.StorageKeys.Primary) == "" {
		return nil, fmt.Errorf("site config: storage_keys.fallback requires storage_keys.primary")
	}
	return &site, nil
}

// ApplySite overrides the fields the site file sets.
func (c *HarvestConfig) ApplySite(site *SiteConfig) {
	if site == nil {
		return
	}
	if site.TargetURL != "" {
		c.TargetURL = site.TargetURL
	}
	if site.StorageKeys.Primary != "" {
		c.PrimaryKey = site.StorageKeys.Primary
		c.FallbackKey = site.StorageKeys.Fallback
	}
}
