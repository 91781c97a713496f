// Package config loads kernelctl settings from defaults, an optional YAML
// file, a .env file, LIFECYCLE_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. LIFECYCLE_LOG_LEVEL.
const EnvPrefix = "LIFECYCLE"

const (
	KeyLogLevel      = "log_level"
	KeyLogFormat     = "log_format"
	KeySweepInterval = "sweep_interval"
	KeyAdminAddr     = "admin_addr"
	KeyTrace         = "trace"
	KeyManifest      = "manifest"
)

type Config struct {
	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string        `mapstructure:"log_format" validate:"oneof=json console"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	// AdminAddr enables the admin HTTP server when set, e.g. ":9090".
	AdminAddr string `mapstructure:"admin_addr" validate:"omitempty,hostname_port"`
	// Trace exports kernel spans to stderr.
	Trace        bool   `mapstructure:"trace"`
	ManifestPath string `mapstructure:"manifest"`
}

// Sources names optional files to read. Missing files are not an error
// unless they were named explicitly.
type Sources struct {
	ConfigFile string
	EnvFile    string
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeySweepInterval, time.Second)
	v.SetDefault(KeyAdminAddr, "")
	v.SetDefault(KeyTrace, false)
	v.SetDefault(KeyManifest, "")
}

// SetEnvPrefix makes v read LIFECYCLE_* variables.
func SetEnvPrefix(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// BindFlags binds every flag of cmd to the key of the same name, with
// dashes turned into underscores.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var result error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result
}

// Load reads and validates the configuration.
func Load(v *viper.Viper, src Sources) (*Config, error) {
	if err := loadEnvFile(src.EnvFile); err != nil {
		return nil, err
	}
	SetDefaults(v)
	SetEnvPrefix(v)

	if src.ConfigFile != "" {
		v.SetConfigFile(src.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", src.ConfigFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errors.WithHint(errors.Wrap(err, "invalid configuration"),
			"check LIFECYCLE_* variables and flags")
	}
	return nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "env file %s", path)
	}
	return errors.Wrapf(godotenv.Load(path), "load env file %s", path)
}
