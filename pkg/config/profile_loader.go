package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeProfile is a per-alias ledger node profile from config.yaml. A profile
// names either a full base URL or just a local port.
type NodeProfile struct {
	Alias   string `yaml:"alias" json:"alias"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

// profileFile is the config.yaml document: a default port plus named
// profiles, one per identity alias.
type profileFile struct {
	Port     int           `yaml:"port,omitempty"`
	Profiles []NodeProfile `yaml:"profiles,omitempty"`
}

// defaultPort is used when neither the environment nor any profile names a
// node endpoint.
const defaultPort = 20000

// LoadProfiles reads alias profiles from path. A missing file is not an
// error; resolution then falls through to the defaults.
func LoadProfiles(path string) (map[string]*NodeProfile, int, error) {
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		path = env
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*NodeProfile{}, defaultPort, nil
		}
		return nil, 0, fmt.Errorf("read profiles %s: %w", path, err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, 0, fmt.Errorf("parse profiles %s: %w", path, err)
	}

	port := file.Port
	if port == 0 {
		port = defaultPort
	}

	profiles := make(map[string]*NodeProfile, len(file.Profiles))
	for i := range file.Profiles {
		p := file.Profiles[i]
		if p.Alias == "" {
			continue
		}
		profiles[strings.ToLower(p.Alias)] = &p
	}
	return profiles, port, nil
}

// ResolveBaseURL picks the node endpoint for cfg's alias. Precedence:
// explicit Config.BaseURL, then the alias profile, then a localhost URL on
// the file's default port.
func ResolveBaseURL(cfg *Config, profilesPath string) (string, error) {
	if cfg.BaseURL != "" {
		return cfg.BaseURL, nil
	}

	profiles, port, err := LoadProfiles(profilesPath)
	if err != nil {
		return "", err
	}

	if p, ok := profiles[strings.ToLower(cfg.Alias)]; ok {
		if p.BaseURL != "" {
			return p.BaseURL, nil
		}
		if p.Port != 0 {
			return fmt.Sprintf("http://localhost:%d", p.Port), nil
		}
	}
	return fmt.Sprintf("http://localhost:%d", port), nil
}
