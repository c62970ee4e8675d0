// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package rhino opens GPU backends.
// Importing it registers every backend of the driver
// package tree.
package rhino

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/driver/debug"

	_ "github.com/gviegas/rhino/driver/d3d12"
	_ "github.com/gviegas/rhino/driver/mtl"
	_ "github.com/gviegas/rhino/driver/vk"
)

// CreateBackend opens the driver that targets api, using
// the configuration given by LoadConfig(DefaultEnvFile).
// The GPU is released by closing its Driver.
func CreateBackend(api driver.API) (driver.GPU, error) {
	c, err := LoadConfig(DefaultEnvFile)
	if err != nil {
		return nil, err
	}
	return c.CreateBackend(api)
}

// CreateBackend opens the driver that targets api.
// It fails with driver.ErrNotInstalled if no such driver
// is registered.
func (c *Config) CreateBackend(api driver.API) (driver.GPU, error) {
	if c.LogLevel != "" {
		lvl, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("rhino: %w", err)
		}
		driver.Logger.SetLevel(lvl)
	}
	drv, ok := driver.Find(api)
	if !ok {
		return nil, fmt.Errorf("%w: no %s driver registered", driver.ErrNotInstalled, api)
	}
	gpu, err := drv.Open()
	if err != nil {
		return nil, err
	}
	log := driver.Logger.WithFields(logrus.Fields{"api": api, "driver": drv.Name()})
	if c.Validation {
		log.Info("opened with validation")
		return debug.Wrap(gpu), nil
	}
	log.Info("opened")
	return gpu, nil
}
