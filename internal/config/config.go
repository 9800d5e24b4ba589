package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Seed     SeedConfig     `yaml:"seed"`
}

type ServerConfig struct {
	Port         string        `yaml:"port" env:"PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// StorageConfig selects the backend for refresh-token rows and for user lookups.
type StorageConfig struct {
	Tokens string `yaml:"tokens" env:"TOKEN_STORE" env-default:"dynamodb"`
	Users  string `yaml:"users" env:"USER_STORE" env-default:"dynamodb"`
}

type DynamoDBConfig struct {
	Endpoint       string `yaml:"endpoint" env:"DYNAMODB_ENDPOINT"`
	Region         string `yaml:"region" env:"DYNAMODB_REGION" env-default:"us-east-1"`
	TableName      string `yaml:"table_name" env:"DYNAMODB_TABLE_NAME" env-default:"SessionAuthTable"`
	UsersTableName string `yaml:"users_table_name" env:"DYNAMODB_USERS_TABLE_NAME" env-default:"SessionAuthTable"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn" env:"POSTGRES_DSN"`
	Migrate bool   `yaml:"migrate" env:"POSTGRES_MIGRATE" env-default:"true"`
}

type RedisConfig struct {
	Endpoint string `yaml:"endpoint" env:"REDIS_ENDPOINT" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// JWTConfig is loaded once at startup and never mutated afterwards.
// Empty Issuer or Audience disables the corresponding check.
type JWTConfig struct {
	SecretKey     string        `yaml:"secret_key" env:"JWT_SECRET_KEY"`
	AccessExpiry  time.Duration `yaml:"access_expiry" env:"JWT_ACCESS_EXPIRY" env-default:"15m"`
	RefreshExpiry time.Duration `yaml:"refresh_expiry" env:"JWT_REFRESH_EXPIRY" env-default:"4380h"`
	Leeway        time.Duration `yaml:"leeway" env:"JWT_LEEWAY" env-default:"0s"`
	Issuer        string        `yaml:"issuer" env:"JWT_ISSUER"`
	Audience      string        `yaml:"audience" env:"JWT_AUDIENCE"`
}

// SeedConfig optionally creates one account at startup.
type SeedConfig struct {
	Email    string   `yaml:"email" env:"SEED_USER_EMAIL"`
	Password string   `yaml:"password" env:"SEED_USER_PASSWORD"`
	UserName string   `yaml:"username" env:"SEED_USER_NAME" env-default:"admin"`
	Roles    []string `yaml:"roles" env:"SEED_USER_ROLES" env-separator:","`
}

// Load reads CONFIG_PATH when set, then overlays environment variables.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return fmt.Errorf("token expiry must be positive")
	}

	if c.JWT.Leeway < 0 {
		return fmt.Errorf("JWT_LEEWAY must not be negative")
	}

	switch c.Storage.Tokens {
	case BackendMemory, BackendDynamoDB, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres token store")
		}
	default:
		return fmt.Errorf("unknown token store %q", c.Storage.Tokens)
	}

	switch c.Storage.Users {
	case BackendMemory, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown user store %q", c.Storage.Users)
	}

	return nil
}
