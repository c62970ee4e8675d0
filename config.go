// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package rhino

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Environment variables read by LoadConfig.
const (
	EnvValidation = "RHINO_ENABLE_VALIDATION"
	EnvLogLevel   = "RHINO_LOG_LEVEL"
)

// DefaultEnvFile is the file read by CreateBackend.
const DefaultEnvFile = ".env"

// Config is the configuration of CreateBackend.
type Config struct {
	// Validation wraps created GPUs in the validation
	// layer of package debug.
	Validation bool
	// LogLevel is the level of driver.Logger, as accepted
	// by logrus.ParseLevel. Empty means unchanged.
	LogLevel string
}

// LoadConfig reads a Config from the environment.
// Variables that are unset or empty in the environment
// are read from files, in order, using the .env format.
// Files that do not exist are skipped.
func LoadConfig(files ...string) (Config, error) {
	vars := map[string]string{}
	for _, f := range files {
		m, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("rhino: %w", err)
		}
		for k, v := range m {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	get := func(k string) (string, bool) {
		if v := os.Getenv(k); v != "" {
			return v, true
		}
		v, ok := vars[k]
		return v, ok
	}
	var c Config
	if v, ok := get(EnvValidation); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("rhino: %s: %w", EnvValidation, err)
		}
		c.Validation = b
	}
	if v, ok := get(EnvLogLevel); ok && v != "" {
		if _, err := logrus.ParseLevel(v); err != nil {
			return Config{}, fmt.Errorf("rhino: %s: %w", EnvLogLevel, err)
		}
		c.LogLevel = v
	}
	return c, nil
}
