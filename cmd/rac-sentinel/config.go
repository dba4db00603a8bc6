package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/rac-sentinel/internal/api/http"
	"github.com/EternisAI/rac-sentinel/internal/db"
	"github.com/EternisAI/rac-sentinel/internal/publication"
	"github.com/EternisAI/rac-sentinel/internal/rac"
)

const (
	defaultIdentityFile = "./data/identity.yaml"
	defaultKeyFile      = "./data/secret.key"
	defaultRacPath      = publication.DefaultPlatformRoot + "/rac"
	defaultRasHost      = "localhost:1545"
	defaultPollInterval = 30
)

type Config struct {
	Log         LogConfig
	Http        http.Config
	DB          db.Config `mapstructure:"db"`
	Agent       AgentConfig
	Rac         RacConfig
	Monitor     MonitorConfig
	Publication publication.Config
}

type AgentConfig struct {
	Name         string `mapstructure:"name"`
	IdentityFile string `mapstructure:"identity_file"`
	KeyFile      string `mapstructure:"key_file"`
}

type RacConfig struct {
	Path     string        `mapstructure:"path"`
	Host     string        `mapstructure:"host"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Encoding string        `mapstructure:"encoding"`
}

type MonitorConfig struct {
	// PollInterval seeds the agent record on first registration, in seconds.
	PollInterval     int           `mapstructure:"poll_interval"`
	MetadataInterval time.Duration `mapstructure:"metadata_interval"`
}

var config Config

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("db.max_conns", 4)
	viper.SetDefault("agent.identity_file", defaultIdentityFile)
	viper.SetDefault("agent.key_file", defaultKeyFile)
	viper.SetDefault("rac.path", defaultRacPath)
	viper.SetDefault("rac.host", defaultRasHost)
	viper.SetDefault("rac.timeout", rac.DefaultTimeout)
	viper.SetDefault("rac.encoding", rac.DefaultCodepage)
	viper.SetDefault("monitor.poll_interval", defaultPollInterval)
	viper.SetDefault("monitor.metadata_interval", time.Minute)
	viper.SetDefault("publication.platform_root", publication.DefaultPlatformRoot)
	viper.SetDefault("publication.apache_conf_dir", publication.DefaultApacheConfDir)
	viper.SetDefault("publication.webinst_timeout", publication.DefaultWebinstTimeout)
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/rac-sentinel")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.DB.Url = "***"
		redacted.Http.AdminAPIKey = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
