// Package config loads the engine's protocol parameters from YAML and its
// process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/strategy"
)

// Config holds the protocol parameters. A zero role address disables the
// operations it gates.
type Config struct {
	Controller controller.Params `yaml:"controller"`
	Strategy   strategy.Params   `yaml:"strategy"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Controller: controller.DefaultParams(),
		Strategy:   strategy.DefaultParams(),
	}
}

// Env holds process settings read from the environment.
type Env struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	RedisTTL    time.Duration `env:"REDIS_TTL" envDefault:"30s"`
	ConfigPath  string        `env:"CONFIG_PATH"`
}

// LoadEnv reads a .env file when present, then parses Env. Variables
// already set in the process take precedence over the file.
func LoadEnv() (Env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Env{}, fmt.Errorf("load .env: %w", err)
	}
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}
