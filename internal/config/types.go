package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every option the gateway reads at startup: the server-level
// knobs plus the worker section describing cache generations and routing.
type Config struct {
	Server ServerConfig      `koanf:"server"`
	Worker WorkerConfig      `koanf:"worker"`
	Routes []RouteRuleConfig `koanf:"routes"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Origin  OriginConfig      `koanf:"origin"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// OriginConfig describes the upstream application the gateway fronts. Every
// intercepted request is re-issued against URL; PublicHost, when set, marks
// requests for other hosts as cross-origin so they pass through untouched.
type OriginConfig struct {
	URL            string `koanf:"url"`
	PublicHost     string `koanf:"publicHost"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// ServerCacheConfig selects the snapshot store backend.
type ServerCacheConfig struct {
	Backend   string                 `koanf:"backend"`
	KeyPrefix string                 `koanf:"keyPrefix"`
	Redis     ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// WorkerConfig is the offline worker contract: which version this config
// describes, what gets precached at install, and how requests are routed.
// Bumping Version while the gateway runs installs a fresh generation.
type WorkerConfig struct {
	Version          string        `koanf:"version"`
	Precache         []string      `koanf:"precache"`
	ExcludedPrefixes []string      `koanf:"excludedPrefixes"`
	StaticPrefixes   []string      `koanf:"staticPrefixes"`
	StaticExtensions []string      `koanf:"staticExtensions"`
	Offline          OfflineConfig `koanf:"offline"`
}

// OfflineConfig names the navigation fallback. Path must be part of the
// precache manifest unless TemplateFile renders it locally at install time.
type OfflineConfig struct {
	Path         string `koanf:"path"`
	TemplateFile string `koanf:"templateFile"`
}

// RouteRuleConfig overrides the default route classification for requests
// matching a CEL condition.
type RouteRuleConfig struct {
	Name      string `koanf:"name"`
	Condition string `koanf:"condition"`
	Policy    string `koanf:"policy"`
}

// Route policies accepted by RouteRuleConfig and applied by the worker.
const (
	PolicyBypass       = "bypass"
	PolicyNetworkFirst = "network-first"
	PolicyCacheFirst   = "cache-first"
	PolicyPassthrough  = "passthrough"
)

// DefaultConfig returns the baseline the loader layers files and environment
// variables on top of.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8470,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Origin: OriginConfig{
				TimeoutSeconds: 30,
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				KeyPrefix: "offgate",
			},
		},
		Worker: WorkerConfig{
			Version:          "v1",
			Precache:         []string{"/", "/offline"},
			ExcludedPrefixes: []string{"/api/", "/admin", "/dashboard"},
			StaticPrefixes:   []string{"/static/"},
			StaticExtensions: []string{".js", ".css", ".png", ".ico", ".svg", ".webmanifest"},
			Offline: OfflineConfig{
				Path: "/offline",
			},
		},
	}
}

// Validate confirms the snapshot is internally consistent before any component
// consumes it.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}

	switch strings.ToLower(strings.TrimSpace(c.Server.Cache.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: redis cache backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}

	origin := strings.TrimSpace(c.Server.Origin.URL)
	if origin == "" {
		return errors.New("config: origin url required")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("config: origin url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("config: origin url %q must be absolute", origin)
	}
	if c.Server.Origin.TimeoutSeconds < 0 {
		return fmt.Errorf("config: origin timeout %d must not be negative", c.Server.Origin.TimeoutSeconds)
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for _, route := range c.Routes {
		name := strings.TrimSpace(route.Name)
		if name == "" {
			return errors.New("config: route rule missing name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate route rule %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(route.Condition) == "" {
			return fmt.Errorf("config: route rule %q missing condition", name)
		}
		switch route.Policy {
		case PolicyBypass, PolicyNetworkFirst, PolicyCacheFirst, PolicyPassthrough:
		default:
			return fmt.Errorf("config: route rule %q has unsupported policy %q", name, route.Policy)
		}
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if strings.TrimSpace(w.Version) == "" {
		return errors.New("config: worker version required")
	}
	if len(w.Precache) == 0 {
		return errors.New("config: worker precache manifest must not be empty")
	}
	for _, p := range w.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: precache path %q must be origin-relative", p)
		}
	}
	for _, p := range w.ExcludedPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: excluded prefix %q must be origin-relative", p)
		}
	}
	for _, p := range w.StaticPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: static prefix %q must be origin-relative", p)
		}
	}
	for _, ext := range w.StaticExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config: static extension %q must start with a dot", ext)
		}
	}
	if w.Offline.Path != "" && !strings.HasPrefix(w.Offline.Path, "/") {
		return fmt.Errorf("config: offline path %q must be origin-relative", w.Offline.Path)
	}
	return nil
}
