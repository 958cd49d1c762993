// Package config loads the fleetwatch YAML file and wires it into a
// running control loop.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/fleetwatch/internal/adapter/github"
	"github.com/ppiankov/fleetwatch/internal/adapter/kube"
	"github.com/ppiankov/fleetwatch/internal/adapter/workflow"
	"github.com/ppiankov/fleetwatch/internal/alert"
	"github.com/ppiankov/fleetwatch/internal/guardrail"
	"github.com/ppiankov/fleetwatch/internal/loop"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/policy"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// Config is the whole configuration file.
type Config struct {
	// Profile names a built-in or user profile applied before the file.
	Profile   string            `yaml:"profile" json:"profile,omitempty"`
	Loop      loop.Config       `yaml:"loop" json:"loop"`
	Guardrail guardrail.Config  `yaml:"guardrail" json:"guardrail"`
	Policy    policy.Config     `yaml:"policy" json:"policy"`
	World     WorldConfig       `yaml:"world" json:"world"`
	Audit     AuditConfig       `yaml:"audit" json:"audit"`
	Store     StoreConfig       `yaml:"store" json:"store"`
	API       APIConfig         `yaml:"api" json:"api"`
	Log       LogConfig         `yaml:"log" json:"log"`
	Adapters  AdaptersConfig    `yaml:"adapters" json:"adapters"`
	Routes    map[string]string `yaml:"routes" json:"routes" validate:"dive,keys,actiontype,endkeys,required"`
}

// WorldConfig tunes the world model.
type WorldConfig struct {
	Window     int              `yaml:"window" json:"window" validate:"gte=1"`
	Thresholds world.Thresholds `yaml:"thresholds" json:"thresholds"`
}

// AuditConfig locates the hash-chained audit log.
type AuditConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
	// Mirror copies every audit record into the store.
	Mirror bool `yaml:"mirror" json:"mirror"`
}

// StoreConfig selects the append-only store backend: "memory", a SQLite
// path, or a postgres:// DSN.
type StoreConfig struct {
	DSN string `yaml:"dsn" json:"-"`
}

// APIConfig sets the operator listeners. Empty disables a listener.
type APIConfig struct {
	Listen     string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`
	GRPCListen string `yaml:"grpc_listen" json:"grpc_listen" validate:"omitempty,hostname_port"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
}

// AdaptersConfig lists every adapter instance.
type AdaptersConfig struct {
	Kube     []kube.Config     `yaml:"kube" json:"kube,omitempty"`
	GitHub   []github.Config   `yaml:"github" json:"github,omitempty"`
	Workflow []workflow.Config `yaml:"workflow" json:"workflow,omitempty"`
	Notify   *NotifyConfig     `yaml:"notify" json:"notify,omitempty"`
}

// NotifyConfig is the notification channel and its webhooks.
type NotifyConfig struct {
	Name     string         `yaml:"name" json:"name"`
	Webhooks []alert.Config `yaml:"webhooks" json:"webhooks" validate:"dive"`
}

// DefaultNotifyName is the notification adapter name when none is set.
const DefaultNotifyName = "notify"

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("actiontype", func(fl validator.FieldLevel) bool {
		_, err := model.ParseActionType(fl.Field().String())
		return err == nil
	})
}

// Dir returns the fleetwatch state directory (~/.fleetwatch).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetwatch"
	}
	return filepath.Join(home, ".fleetwatch")
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the configuration before any file is applied.
func Default() Config {
	dir := Dir()
	lc := loop.DefaultConfig()
	lc.LockFile = filepath.Join(dir, "fleetwatch.pid")
	gc := guardrail.DefaultConfig()
	gc.KillSwitchFile = filepath.Join(dir, "killswitch")
	gc.StateDir = filepath.Join(dir, "state")
	return Config{
		Loop:      lc,
		Guardrail: gc,
		Policy:    policy.DefaultConfig(),
		World:     WorldConfig{Window: world.DefaultWindow, Thresholds: world.DefaultThresholds()},
		Audit:     AuditConfig{Path: filepath.Join(dir, "audit.jsonl"), Mirror: true},
		Store:     StoreConfig{DSN: filepath.Join(dir, "fleetwatch.db")},
		Log:       LogConfig{Level: "info", Format: "text"},
		Routes:    map[string]string{},
	}
}

// Load reads path over the defaults. A missing file is an error: the loop
// never runs on defaults alone.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse applies the profile the document names, then the document itself,
// resolves secrets from the environment and validates the result.
func Parse(data []byte) (*Config, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg := Default()
	if head.Profile != "" {
		p, err := LoadProfile(head.Profile)
		if err != nil {
			return nil, err
		}
		if err := p.Apply(&cfg); err != nil {
			return nil, err
		}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.expandPaths()
	if err := cfg.ResolveSecrets(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every file path.
func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Audit.Path, &c.Loop.LockFile, &c.Guardrail.KillSwitchFile, &c.Guardrail.StateDir,
	} {
		*p = expandHome(*p)
	}
	if !strings.Contains(c.Store.DSN, "://") {
		c.Store.DSN = expandHome(c.Store.DSN)
	}
	for i := range c.Adapters.Kube {
		c.Adapters.Kube[i].Kubeconfig = expandHome(c.Adapters.Kube[i].Kubeconfig)
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ResolveSecrets fills tokens from the environment variables the file
// names. A named but unset variable is an error.
func (c *Config) ResolveSecrets(getenv func(string) string) error {
	var missing []string
	for i := range c.Adapters.GitHub {
		gh := &c.Adapters.GitHub[i]
		if gh.TokenEnv == "" {
			continue
		}
		if gh.Token = getenv(gh.TokenEnv); gh.Token == "" {
			missing = append(missing, gh.TokenEnv)
		}
	}
	for i := range c.Adapters.Workflow {
		wf := &c.Adapters.Workflow[i]
		if wf.APIKeyEnv == "" {
			continue
		}
		if wf.APIKey = getenv(wf.APIKeyEnv); wf.APIKey == "" {
			missing = append(missing, wf.APIKeyEnv)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks struct tags, then the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if err := c.Loop.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Guardrail.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Policy.Validate(RuleNames(c.Policy)); err != nil {
		problems = append(problems, err.Error())
	}

	names, dups := c.AdapterNames()
	for _, d := range dups {
		problems = append(problems, fmt.Sprintf("adapters: duplicate name %q", d))
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for _, t := range sortedKeys(c.Routes) {
		if _, err := model.ParseActionType(t); err != nil {
			continue // reported by the actiontype tag
		}
		if target := c.Routes[t]; target != "" && !known[target] {
			problems = append(problems, fmt.Sprintf("routes.%s: unknown adapter %q", t, target))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "actiontype":
		return fmt.Sprintf("%s: unknown action type %q", field, fe.Value())
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s: %q is not one of [%s]", field, fe.Value(), fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value())
	}
}

// AdapterNames returns every configured adapter name, with defaults
// applied, and any names used more than once.
func (c *Config) AdapterNames() (names, dups []string) {
	seen := make(map[string]bool)
	add := func(name, fallback string) {
		if name == "" {
			name = fallback
		}
		if seen[name] {
			dups = append(dups, name)
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, k := range c.Adapters.Kube {
		add(k.Name, "kube")
	}
	for _, g := range c.Adapters.GitHub {
		add(g.Name, "github")
	}
	for _, w := range c.Adapters.Workflow {
		add(w.Name, "workflow")
	}
	if c.Adapters.Notify != nil {
		add(c.Adapters.Notify.Name, DefaultNotifyName)
	}
	return names, dups
}

// RuleNames lists the built-in rule names.
func RuleNames(cfg policy.Config) []string {
	rules := policy.DefaultRules(cfg)
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Name)
	}
	return out
}

// NewLogger returns the slog logger the file asks for, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
