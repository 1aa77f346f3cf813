package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"github.com/example/sheet-mailer/internal/db"
	"github.com/example/sheet-mailer/internal/migrate"
)

type Config struct {
	Driver string `yaml:"driver"` // postgres|sqlite|redis|dynamodb|memory

	// postgres
	DatabaseURL string `yaml:"database_url"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// sqlite
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	Redis  RedisConfig  `yaml:"redis"`
	Dynamo DynamoConfig `yaml:"dynamo"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type DynamoConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Open connects the configured driver.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With().Str("component", "state").Str("driver", driver).Logger()

	switch driver {
	case "postgres", "postgresql":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for postgres driver")
		}
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		if cfg.AutoMigrate {
			if _, err := migrate.Up(ctx, d, log); err != nil {
				d.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		log.Info().Msg("state store opened")
		return NewPostgres(d), nil

	case "sqlite":
		st, err := openSQLite(ctx, cfg.Path, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Path).Msg("state store opened")
		return st, nil

	case "redis":
		rdb, err := newRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("state store opened")
		return NewRedis(rdb, cfg.Redis.Prefix), nil

	case "dynamodb", "dynamo":
		if cfg.Dynamo.Table == "" {
			return nil, errors.New("DYNAMO_TABLE is required for dynamodb driver")
		}
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Dynamo.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Dynamo.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Dynamo.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Dynamo.Endpoint)
			}
		})
		log.Info().Str("table", cfg.Dynamo.Table).Msg("state store opened")
		return NewDynamo(client, cfg.Dynamo.Table), nil

	case "memory":
		log.Warn().Msg("memory state store is not durable; sent keys are forgotten on restart")
		return NewMemory(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
