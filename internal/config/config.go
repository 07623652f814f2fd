package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB"   envDefault:"0"      validate:"min=0,max=15"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"estate_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"estate_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"estate_db"`
	RunMigrations    bool   `env:"RUN_MIGRATIONS"    envDefault:"true"`

	// Every accepted bid moves the deadline to commit time + this window.
	BidExtensionWindow time.Duration `env:"BID_EXTENSION_WINDOW" envDefault:"5m"    validate:"gt=0"`
	AuctionTimeZone    string        `env:"AUCTION_TIMEZONE"     envDefault:"UTC"   validate:"timezone"`
	BidCommitTimeout   time.Duration `env:"BID_COMMIT_TIMEOUT"   envDefault:"3s"    validate:"gt=0"`
	PublishTimeout     time.Duration `env:"PUBLISH_TIMEOUT"      envDefault:"500ms" validate:"gt=0"`
	CacheSyncInterval  time.Duration `env:"CACHE_SYNC_INTERVAL"  envDefault:"10s"   validate:"gt=0"`

	NatsURL string `env:"NATS_URL" validate:"omitempty,url"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
}

// Location resolves AuctionTimeZone. The value has already been validated.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AuctionTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}
	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
