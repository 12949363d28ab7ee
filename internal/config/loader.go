package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/jobs"
)

// EnvPrefix prefixes every environment override, e.g. CLAIMS_DATABASE_HOST.
const EnvPrefix = "CLAIMS"

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

type PipelineConfig struct {
	IngestBatchSize     int
	EnrichBatchSize     int
	SimilarityThreshold float64
}

type StorageConfig struct {
	BucketURL string
}

type LogConfig struct {
	Level       string
	Development bool
}

// Config is the full service configuration.
type Config struct {
	Database db.Config
	Server   ServerConfig
	Pipeline PipelineConfig
	Queue    jobs.Config
	Storage  StorageConfig
	Log      LogConfig

	// File is the config file that was read, empty when only defaults and
	// environment were used.
	File string
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.maxconns", dbDefaults.MaxConns)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readtimeout", 30*time.Second)
	v.SetDefault("server.writetimeout", 60*time.Second)
	v.SetDefault("server.allowedorigins", []string{"*"})

	v.SetDefault("pipeline.ingestbatchsize", 100)
	v.SetDefault("pipeline.enrichbatchsize", 100)
	v.SetDefault("pipeline.similaritythreshold", 0.8)

	v.SetDefault("queue.driver", "river")
	v.SetDefault("queue.maxworkers", 4)
	v.SetDefault("queue.jobtimeout", 30*time.Minute)

	v.SetDefault("storage.bucketurl", "file:///tmp/claims-data?create_dir=true")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads config.yaml from configPath when present and applies CLAIMS_*
// environment overrides on top of the defaults.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config file")
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	cfg.Database = db.Config{
		Host:     v.GetString("database.host"),
		Port:     v.GetInt("database.port"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		DBName:   v.GetString("database.dbname"),
		SSLMode:  v.GetString("database.sslmode"),
		MaxConns: v.GetInt32("database.maxconns"),
	}
	cfg.Server = ServerConfig{
		Addr:           v.GetString("server.addr"),
		ReadTimeout:    v.GetDuration("server.readtimeout"),
		WriteTimeout:   v.GetDuration("server.writetimeout"),
		AllowedOrigins: v.GetStringSlice("server.allowedorigins"),
	}
	cfg.Pipeline = PipelineConfig{
		IngestBatchSize:     v.GetInt("pipeline.ingestbatchsize"),
		EnrichBatchSize:     v.GetInt("pipeline.enrichbatchsize"),
		SimilarityThreshold: v.GetFloat64("pipeline.similaritythreshold"),
	}
	cfg.Queue = jobs.Config{
		Driver:     strings.ToLower(v.GetString("queue.driver")),
		MaxWorkers: v.GetInt("queue.maxworkers"),
		JobTimeout: v.GetDuration("queue.jobtimeout"),
	}
	cfg.Storage = StorageConfig{BucketURL: v.GetString("storage.bucketurl")}
	cfg.Log = LogConfig{
		Level:       v.GetString("log.level"),
		Development: v.GetBool("log.development"),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Queue.Driver {
	case "river", "local":
	default:
		return errors.Newf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Pipeline.SimilarityThreshold <= 0 || c.Pipeline.SimilarityThreshold > 1 {
		return errors.Newf("similarity threshold %v must be in (0, 1]", c.Pipeline.SimilarityThreshold)
	}
	return nil
}
