package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var builtinFS embed.FS

// Profile is a named, reusable set of limits layered under a config file.
// Its body uses the same sections as the config file.
type Profile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	body []byte
}

// Apply overlays the profile onto cfg. Fields the profile does not set are
// left alone.
func (p *Profile) Apply(cfg *Config) error {
	var overlay Config
	if err := yaml.Unmarshal(p.body, &overlay); err != nil {
		return fmt.Errorf("config: profile %q: %w", p.Name, err)
	}
	if overlay.Profile != "" || len(overlay.Routes) > 0 || overlay.Adapters.Notify != nil ||
		len(overlay.Adapters.Kube)+len(overlay.Adapters.GitHub)+len(overlay.Adapters.Workflow) > 0 {
		return fmt.Errorf("config: profile %q may only set limits, not adapters, routes or profiles", p.Name)
	}
	if err := yaml.Unmarshal(p.body, cfg); err != nil {
		return fmt.Errorf("config: profile %q: %w", p.Name, err)
	}
	return nil
}

// LoadProfile finds a profile by name: built-in profiles first, then
// <Dir>/profiles/<name>.yaml.
func LoadProfile(name string) (*Profile, error) {
	data, err := builtinFS.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		path := filepath.Join(Dir(), "profiles", name+".yaml")
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: profile %q not found (built-in: %s)", name, strings.Join(builtinProfiles(), ", "))
		}
	}
	return parseProfile(name, data)
}

func parseProfile(name string, data []byte) (*Profile, error) {
	p := &Profile{body: data}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

// ListProfiles returns the names of built-in and user profiles, sorted.
func ListProfiles() []string {
	seen := make(map[string]bool)
	for _, n := range builtinProfiles() {
		seen[n] = true
	}
	entries, err := os.ReadDir(filepath.Join(Dir(), "profiles"))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
				seen[strings.TrimSuffix(name, ext)] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func builtinProfiles() []string {
	entries, _ := builtinFS.ReadDir("profiles")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}
