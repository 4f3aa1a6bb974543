// Package config loads and validates the coordinator's YAML
// configuration document, mirroring fc_server/core/config.py: the
// managed resource tree is flattened into a canonical resource set,
// every registered framework must carry a priority, and at most one
// framework may be marked default.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
)

// EnvConfigPath is the environment variable that overrides the
// default config file location.
const EnvConfigPath = "FC_SERVER_CFG_PATH"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "config/cfg.yaml"

// FrameworkConfig holds one entry of frameworks_config.<name>.
type FrameworkConfig struct {
	Priority int
	Seize    bool
	Default  bool

	// Settings carries plugin-specific keys (lava_url, lg_crossbar, ...)
	// verbatim, for the plugin constructor to interpret.
	Settings map[string]interface{}
}

// APIServerConfig is the ambient status surface's listen config.
type APIServerConfig struct {
	Port        int
	PublishPort int
	IP          string
}

// ClusterConfig configures the optional cluster-membership cache.
type ClusterConfig struct {
	Enable       bool
	InstanceName string
	Etcd         []string
}

// Config is the fully parsed, validated configuration.
type Config struct {
	ManagedResources     []string
	ResourceFarmTypes    map[string]string
	RegisteredFrameworks []string
	FrameworksConfig     map[string]FrameworkConfig
	PriorityScheduler    bool
	APIServer            APIServerConfig
	Cluster              *ClusterConfig
	DefaultFramework     string // "" means none configured
}

// rawDocument mirrors the top-level YAML shape before resource
// flattening and defaulting.
type rawDocument struct {
	ManagedResources     interface{}                       `yaml:"managed_resources"`
	RegisteredFrameworks []string                           `yaml:"registered_frameworks"`
	FrameworksConfig     map[string]map[string]interface{} `yaml:"frameworks_config"`
	PriorityScheduler    bool                               `yaml:"priority_scheduler"`
	APIServer            map[string]interface{}             `yaml:"api_server"`
	Cluster              map[string]interface{}             `yaml:"cluster"`
}

// Load reads and validates the configuration document. configDir is
// either the directory containing cfg.yaml or the path of the config
// file itself; it is resolved from EnvConfigPath, falling back to
// DefaultConfigPath, when configDir is empty.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = os.Getenv(EnvConfigPath)
	}
	if configDir == "" {
		configDir = DefaultConfigPath
	}

	cfgFile := configDir
	if fi, err := os.Stat(configDir); err == nil && fi.IsDir() {
		cfgFile = filepath.Join(configDir, "cfg.yaml")
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", fcerrors.ErrConfigFileMissing, cfgFile, err)
	}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfgFile, err)
	}

	return buildConfig(&raw, filepath.Dir(cfgFile))
}

func buildConfig(raw *rawDocument, baseDir string) (*Config, error) {
	if raw.ManagedResources == nil {
		return nil, fcerrors.ErrManagedResourcesMissing
	}

	tree, err := resolveManagedResources(raw.ManagedResources, baseDir)
	if err != nil {
		return nil, err
	}
	resources, farmTypes := flattenResources(tree)

	if len(raw.RegisteredFrameworks) == 0 {
		return nil, fcerrors.ErrRegisteredFrameworksNone
	}

	frameworksConfig := make(map[string]FrameworkConfig, len(raw.RegisteredFrameworks))
	var defaultFramework string
	defaultCount := 0

	for _, name := range raw.RegisteredFrameworks {
		entry, ok := raw.FrameworksConfig[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", fcerrors.ErrFrameworkConfigMissing, name)
		}

		priority, ok := entry["priority"]
		if !ok {
			return nil, fmt.Errorf("%w: %s", fcerrors.ErrPriorityMissing, name)
		}
		priorityInt, err := toInt(priority)
		if err != nil {
			return nil, fmt.Errorf("priority for %s: %w", name, err)
		}

		seize := true
		if v, ok := entry["seize"]; ok {
			seize, _ = v.(bool)
		}

		isDefault := false
		if v, ok := entry["default"]; ok {
			isDefault, _ = v.(bool)
		}
		if isDefault {
			defaultCount++
			defaultFramework = name
		}

		settings := make(map[string]interface{}, len(entry))
		for k, v := range entry {
			if k == "priority" || k == "seize" || k == "default" {
				continue
			}
			settings[k] = v
		}

		frameworksConfig[name] = FrameworkConfig{
			Priority: priorityInt,
			Seize:    seize,
			Default:  isDefault,
			Settings: settings,
		}
	}

	if defaultCount > 1 {
		return nil, fcerrors.ErrMultipleDefaultFramework
	}
	if defaultCount == 0 {
		defaultFramework = ""
	}

	var cluster *ClusterConfig
	if raw.Cluster != nil {
		cluster = &ClusterConfig{}
		if v, ok := raw.Cluster["enable"]; ok {
			cluster.Enable, _ = v.(bool)
		}
		if v, ok := raw.Cluster["instance_name"]; ok {
			cluster.InstanceName, _ = v.(string)
		}
		if v, ok := raw.Cluster["etcd"]; ok {
			cluster.Etcd = toStringSlice(v)
		}
		if cluster.Enable && (cluster.InstanceName == "" || len(cluster.Etcd) == 0) {
			return nil, fcerrors.ErrClusterFieldsMissing
		}
	}

	apiServer, err := buildAPIServerConfig(raw.APIServer, cluster)
	if err != nil {
		return nil, err
	}

	return &Config{
		ManagedResources:     resources,
		ResourceFarmTypes:    farmTypes,
		RegisteredFrameworks: raw.RegisteredFrameworks,
		FrameworksConfig:     frameworksConfig,
		PriorityScheduler:    raw.PriorityScheduler,
		APIServer:            apiServer,
		Cluster:              cluster,
		DefaultFramework:     defaultFramework,
	}, nil
}

func buildAPIServerConfig(raw map[string]interface{}, cluster *ClusterConfig) (APIServerConfig, error) {
	var cfg APIServerConfig

	portVal, ok := raw["port"]
	if !ok {
		return cfg, fcerrors.ErrAPIServerPortMissing
	}
	port, err := toInt(portVal)
	if err != nil {
		return cfg, fmt.Errorf("api_server.port: %w", err)
	}
	cfg.Port = port

	cfg.PublishPort = port
	if v, ok := raw["publish_port"]; ok {
		if pp, err := toInt(v); err == nil {
			cfg.PublishPort = pp
		}
	}

	if v, ok := raw["ip"]; ok {
		cfg.IP, _ = v.(string)
	}
	if cfg.IP == "" && cluster != nil && cluster.Enable {
		return cfg, fcerrors.ErrAPIServerIPMissing
	}

	return cfg, nil
}

// resolveManagedResources accepts either an inline nested mapping or
// a (possibly relative) filename whose contents have that shape.
func resolveManagedResources(raw interface{}, baseDir string) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case string:
		path := v
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", fcerrors.ErrManagedResourcesMissing, path, err)
		}
		var tree map[string]interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return tree, nil
	case map[string]interface{}:
		return v, nil
	default:
		return nil, fcerrors.ErrManagedResourcesMissing
	}
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
