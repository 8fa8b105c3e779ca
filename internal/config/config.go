package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "SITEASSESS"

type Config struct {
	ListenAddr    string
	DBPath        string
	PhotoRoot     string
	LogLevel      string
	LogFile       string
	AutosaveDelay time.Duration
	Remote        RemoteConfig
	Blob          BlobConfig
	Auth          AuthConfig
	Sync          SyncConfig
}

type RemoteConfig struct {
	Driver string
	DSN    string
}

type BlobConfig struct {
	Driver string
	FSRoot string
	S3     S3Config
	GCS    GCSConfig
}

type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	EmulatorHost    string
}

type AuthConfig struct {
	JWTSecret string
	Token     string
}

type SyncConfig struct {
	UploadConcurrency int
	MaxAttempts       int
	RetryBackoff      time.Duration
	UploadRate        float64
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":       "listen_addr",
	"db":           "db_path",
	"photo-root":   "photo_root",
	"log-level":    "log_level",
	"log-file":     "log_file",
	"remote-dsn":   "remote.dsn",
	"blob-driver":  "blob.driver",
	"concurrency":  "sync.upload_concurrency",
	"access-token": "auth.token",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "/data/siteassess.db")
	v.SetDefault("photo_root", "/data/photos")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("autosave_delay", 300*time.Millisecond)

	v.SetDefault("remote.driver", "sqlite")
	v.SetDefault("remote.dsn", "/data/remote.db")

	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "/data/objects")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("blob.gcs.credentials_file", "")
	v.SetDefault("blob.gcs.emulator_host", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token", "")

	v.SetDefault("sync.upload_concurrency", 2)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.retry_backoff", 2*time.Second)
	v.SetDefault("sync.upload_rate", 0.0)
}

// Load reads configuration from defaults, an optional config file, SITEASSESS_
// environment variables and finally the given flags. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, flags); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		ListenAddr:    v.GetString("listen_addr"),
		DBPath:        v.GetString("db_path"),
		PhotoRoot:     v.GetString("photo_root"),
		LogLevel:      v.GetString("log_level"),
		LogFile:       v.GetString("log_file"),
		AutosaveDelay: v.GetDuration("autosave_delay"),
		Remote: RemoteConfig{
			Driver: v.GetString("remote.driver"),
			DSN:    v.GetString("remote.dsn"),
		},
		Blob: BlobConfig{
			Driver: v.GetString("blob.driver"),
			FSRoot: v.GetString("blob.fs_root"),
			S3: S3Config{
				Region:          v.GetString("blob.s3.region"),
				Bucket:          v.GetString("blob.s3.bucket"),
				Endpoint:        v.GetString("blob.s3.endpoint"),
				AccessKeyID:     v.GetString("blob.s3.access_key_id"),
				SecretAccessKey: v.GetString("blob.s3.secret_access_key"),
				PathStyle:       v.GetBool("blob.s3.path_style"),
			},
			GCS: GCSConfig{
				Bucket:          v.GetString("blob.gcs.bucket"),
				CredentialsFile: v.GetString("blob.gcs.credentials_file"),
				EmulatorHost:    v.GetString("blob.gcs.emulator_host"),
			},
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Token:     v.GetString("auth.token"),
		},
		Sync: SyncConfig{
			UploadConcurrency: v.GetInt("sync.upload_concurrency"),
			MaxAttempts:       v.GetInt("sync.max_attempts"),
			RetryBackoff:      v.GetDuration("sync.retry_backoff"),
			UploadRate:        v.GetFloat64("sync.upload_rate"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfigFile loads the file named by --config or SITEASSESS_CONFIG, or
// config.yaml from the working directory when present.
func readConfigFile(v *viper.Viper, flags *pflag.FlagSet) error {
	path := v.GetString("config")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid remote.driver %q", c.Remote.Driver)
	}

	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 driver")
		}
	case "gcs":
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("invalid blob.driver %q", c.Blob.Driver)
	}

	if c.Auth.Token != "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to verify auth.token")
	}
	if c.Sync.UploadConcurrency < 1 {
		return fmt.Errorf("sync.upload_concurrency must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.RetryBackoff < 0 || c.Sync.UploadRate < 0 || c.AutosaveDelay < 0 {
		return fmt.Errorf("durations and rates must not be negative")
	}
	return nil
}
