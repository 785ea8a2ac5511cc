package callmon

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize bounds the YAML file read by LoadConfig
const MaxConfigFileSize = 1024 * 1024

// Config defines the configuration of the monitoring engine
type Config struct {
	// Service identification
	Namespace   string `yaml:"namespace"`
	Subsystem   string `yaml:"subsystem"`
	ServiceName string `yaml:"service_name"`

	// Instance information
	InstanceIP   string            `yaml:"instance_ip"`
	Version      string            `yaml:"version"`
	BuildCommit  string            `yaml:"build_commit"`
	CustomLabels map[string]string `yaml:"custom_labels"`

	RemoteWrite RemoteWriteConfig `yaml:"remote_write"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
	Management  ManagementConfig  `yaml:"management"`

	// Optional logger
	Logger *zap.Logger `yaml:"-"`
}

// RemoteWriteConfig configures the Prometheus remote write push
type RemoteWriteConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	DNS      DNSConfig     `yaml:"dns"`
}

// DNSConfig configures re-resolution of the remote write host
type DNSConfig struct {
	Enable          bool          `yaml:"enable"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	UDPServers      []string      `yaml:"udp_servers"`   // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	TLSServers      []string      `yaml:"tls_servers"`   // e.g. ["1.1.1.1:853"]
	DoHEndpoints    []string      `yaml:"doh_endpoints"` // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// InterceptorConfig is the runtime switchboard. The config Watcher reapplies
// it whenever the file changes.
type InterceptorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Tracing        bool   `yaml:"tracing"`
	Backend        string `yaml:"backend"`
	Purpose        string `yaml:"purpose"`
	StrictRegistry bool   `yaml:"strict_registry"`
}

// ManagementConfig configures the HTTP control API
type ManagementConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	ip, _ := GetOutboundIPv4()
	return Config{
		Namespace:    "app",
		Subsystem:    "prod",
		ServiceName:  "service",
		InstanceIP:   ip,
		CustomLabels: make(map[string]string),
		RemoteWrite: RemoteWriteConfig{
			Interval: 15 * time.Second,
		},
		Interceptor: InterceptorConfig{
			Enabled: true,
			Backend: MetricsKey,
		},
		Management: ManagementConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return cfg, fmt.Errorf("config %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Apply pushes the interceptor settings through a control surface. The
// backend is swapped first, only when it differs from the active one, and
// a rejected backend leaves every setting untouched.
func (ic InterceptorConfig) Apply(control Control) error {
	if ic.Backend != "" && ic.Backend != control.ActiveBackendKey() {
		if err := control.SetActiveBackend(ic.Backend); err != nil {
			return fmt.Errorf("apply backend %q: %w", ic.Backend, err)
		}
	}
	control.SetEnabled(ic.Enabled)
	control.SetTracing(ic.Tracing)
	if ic.Purpose != "" {
		control.SetPurpose(ic.Purpose)
	}
	return nil
}
