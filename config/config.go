package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Cache         CacheConfig         `koanf:"cache"`
	OTELCollector OTELCollectorConfig `koanf:"otelcollector"`
	Minio         MinioConfig         `koanf:"minio"`
	GCS           GCSConfig           `koanf:"gcs"`
	APS           APSConfig           `koanf:"aps"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort int `koanf:"publicport"`
	HTTPS      struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug bool `koanf:"debug"`
	// MaxDataSize is the maximum accepted upload, in MB.
	MaxDataSize int `koanf:"maxdatasize"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// TemporalConfig holds the Temporal client connection parameters.
type TemporalConfig struct {
	HostPort  string `koanf:"hostport"`
	Namespace string `koanf:"namespace"`
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// MinioConfig is the MinIO staging storage configuration.
type MinioConfig struct {
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	BucketName string `koanf:"bucketname"`
	Secure     bool   `koanf:"secure"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an
// alternative staging storage backend.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// APSConfig defines the connection to the remote conversion service.
type APSConfig struct {
	Host         string   `koanf:"host" validate:"omitempty,url"`
	ClientID     string   `koanf:"clientid"`
	ClientSecret string   `koanf:"clientsecret"`
	Scopes       []string `koanf:"scopes"`
	// Region where buckets are created (US, EMEA, AUS).
	Region string `koanf:"region"`
	// BucketPolicy is the retention policy of created buckets (transient,
	// temporary, persistent).
	BucketPolicy string        `koanf:"bucketpolicy"`
	Timeout      time.Duration `koanf:"timeout"`
}

// PipelineConfig tunes the submission-and-tracking pipeline.
type PipelineConfig struct {
	PollInterval               time.Duration `koanf:"pollinterval"`
	MaxConsecutivePollFailures int           `koanf:"maxconsecutivepollfailures" validate:"gte=0"`
	// TargetFormat is used when the client doesn't request one.
	TargetFormat string `koanf:"targetformat"`
	// CredentialSkew shortens the usable lifetime of a token.
	CredentialSkew time.Duration `koanf:"credentialskew"`
	// SharedCredential enables the process-wide Redis credential cache.
	SharedCredential bool `koanf:"sharedcredential"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"aps.host":                            "https://developer.api.autodesk.com",
		"aps.region":                          "US",
		"aps.bucketpolicy":                    "transient",
		"aps.timeout":                         "60s",
		"pipeline.pollinterval":               "5s",
		"pipeline.maxconsecutivepollfailures": 3,
		"pipeline.targetformat":               "svf2",
		"pipeline.credentialskew":             "30s",
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.UnmarshalWithConf("", &Config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
