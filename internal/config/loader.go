package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "leafscan"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "LEAFSCAN"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader uses the global viper instance so cobra flag bindings apply.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWithViper wraps a dedicated viper instance.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load reads the first config file found on the search path, then applies
// environment variables and defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	return l.load("", true)
}

// LoadWithoutValidation is Load without the final Validate.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	return l.load("", false)
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	return l.load(configFile, true)
}

// LoadWithFileWithoutValidation loads a specific file without validation.
func (l *Loader) LoadWithFileWithoutValidation(configFile string) (*Config, error) {
	return l.load(configFile, false)
}

func (l *Loader) load(configFile string, validate bool) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if validate {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return &config, nil
}

// Get returns a value from the configuration.
func (l *Loader) Get(key string) any {
	return l.v.Get(key)
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables maps LEAFSCAN_SEVERITY_PAD to severity.pad.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults registers every key so AutomaticEnv can see it.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("models_dir", d.ModelsDir)
	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)

	for section, m := range map[string]ModelConfig{"detection": d.Detection, "segmentation": d.Segmentation} {
		l.v.SetDefault(section+".backend", m.Backend)
		l.v.SetDefault(section+".model", m.Model)
		l.v.SetDefault(section+".url", m.URL)
		l.v.SetDefault(section+".timeout_sec", m.TimeoutSec)
		l.v.SetDefault(section+".confidence", m.Confidence)
		l.v.SetDefault(section+".input_size", m.InputSize)
		l.v.SetDefault(section+".iou_threshold", m.IoUThreshold)
		l.v.SetDefault(section+".mask_threshold", m.MaskThreshold)
		l.v.SetDefault(section+".serialize", m.Serialize)
	}

	l.v.SetDefault("severity.pad", d.Severity.Pad)
	l.v.SetDefault("severity.multi_leaf", d.Severity.MultiLeaf)
	l.v.SetDefault("severity.workers", d.Severity.Workers)

	l.v.SetDefault("classes.leaf_ids", d.Classes.LeafIDs)
	l.v.SetDefault("classes.pairing", d.Classes.Pairing)
	l.v.SetDefault("classes.names", d.Classes.Names)

	l.v.SetDefault("overlay.leaf_tint", d.Overlay.LeafTint)
	l.v.SetDefault("overlay.lesion_color", d.Overlay.LesionColor)
	l.v.SetDefault("overlay.tint_weight", d.Overlay.TintWeight)
	l.v.SetDefault("overlay.box_thickness", d.Overlay.BoxThickness)
	l.v.SetDefault("overlay.labels", d.Overlay.Labels)

	l.v.SetDefault("output.dir", d.Output.Dir)
	l.v.SetDefault("output.format", d.Output.Format)
	l.v.SetDefault("output.file", d.Output.File)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.plain_artifact_names", d.Server.PlainArtifactNames)
	l.v.SetDefault("server.rate_limit_enabled", d.Server.RateLimitEnabled)
	l.v.SetDefault("server.requests_per_minute", d.Server.RequestsPerMinute)
	l.v.SetDefault("server.requests_per_hour", d.Server.RequestsPerHour)
	l.v.SetDefault("server.max_requests_per_day", d.Server.MaxRequestsPerDay)
	l.v.SetDefault("server.max_data_per_day_mb", d.Server.MaxDataPerDayMB)

	l.v.SetDefault("gpu.enabled", d.GPU.Enabled)
	l.v.SetDefault("gpu.device", d.GPU.Device)
	l.v.SetDefault("gpu.memory_limit", d.GPU.MemoryLimit)

	l.v.SetDefault("onnx.library_path", d.ONNX.LibraryPath)
	l.v.SetDefault("onnx.num_threads", d.ONNX.NumThreads)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}
	if configDir, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && configDir != "" {
		paths = append(paths, filepath.Join(configDir, "leafscan"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "leafscan"))
	}
	return append(paths, "/etc/leafscan")
}

// ToYAML renders a configuration as YAML.
func ToYAML(c *Config) (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GenerateDefaultConfigFile writes the defaults to filename (leafscan.yaml
// when empty).
func GenerateDefaultConfigFile(filename string) error {
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	d := DefaultConfig()
	out, err := ToYAML(&d)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, []byte(out), 0o644)
}
