// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package driver defines a set of interfaces encompassing
// common GPU functionality.
// It is designed to allow platform-specific APIs to be
// implemented in a mostly straightforward manner, while
// exposing a single binding model: descriptor spaces
// grouped into root signatures and bound through
// explicitly addressed descriptor heaps.
package driver

import (
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// API identifies a native graphics API.
type API int

// Native APIs.
const (
	D3D12 API = iota
	Vulkan
	Metal
)

// String implements fmt.Stringer.
func (a API) String() string {
	switch a {
	case D3D12:
		return "d3d12"
	case Vulkan:
		return "vulkan"
	case Metal:
		return "metal"
	}
	return "unknown"
}

// Driver is the interface that provides methods for
// loading and unloading an underlying implementation.
type Driver interface {
	// Open initializes the driver.
	// If it succeeds, further calls with the same receiver
	// have no effect and must return the same GPU instance.
	// Callers should assume that Open is not safe for
	// parallel execution.
	Open() (GPU, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be opened.
	Name() string

	// API returns the native API that the driver targets.
	// It must not cause the driver to be opened.
	API() API

	// Close deinitializes the driver.
	// Closing a driver that is not open has no effect.
	// Callers should assume that Close is not safe for
	// parallel execution.
	Close()
}

// ErrNotInstalled means that a platform-specific library
// required for the driver to work is not present in the
// system.
var ErrNotInstalled = errors.New("driver: missing required library")

// ErrNoDevice means that no suitable device could be
// found.
var ErrNoDevice = errors.New("driver: no suitable device found")

// ErrNoHostMemory means that host memory could not be
// allocated.
var ErrNoHostMemory = errors.New("driver: out of host memory")

// ErrNoDeviceMemory means that device memory could not
// be allocated.
var ErrNoDeviceMemory = errors.New("driver: out of device memory")

// ErrFatal means that the driver is in an unrecoverable
// state. Upon encountering such an error, the application
// must destroy everything that it created using the
// driver's GPU and then call the Close method. It may call
// Open again to reinitialize the driver for further use.
var ErrFatal = errors.New("driver: fatal error")

// ErrInvalidLayout means that a descriptor space description
// is malformed (mixed range types in one space, empty range
// list, duplicate space index, overlapping ranges).
var ErrInvalidLayout = errors.New("driver: invalid descriptor layout")

// ErrPipelineCompile means that the native pipeline object
// could not be created from the given bytecode and layout.
// Errors of this kind are reported as *PipelineError.
var ErrPipelineCompile = errors.New("driver: pipeline compilation failed")

// ErrSubmission means that queue submission failed.
var ErrSubmission = errors.New("driver: submission failed")

// ErrResourceCreation means that a native allocation or
// resource creation call failed.
var ErrResourceCreation = errors.New("driver: resource creation failed")

// ErrCmdListState means that a command list operation
// was attempted in a state that does not allow it.
var ErrCmdListState = errors.New("driver: invalid command list state")

// PipelineError describes a pipeline compilation failure.
// Diag contains the backend diagnostic text, if any.
type PipelineError struct {
	API  API
	Diag string
}

// Error implements error.
func (e *PipelineError) Error() string {
	if e.Diag == "" {
		return ErrPipelineCompile.Error()
	}
	return ErrPipelineCompile.Error() + " (" + e.API.String() + "): " + e.Diag
}

// Unwrap returns ErrPipelineCompile.
func (e *PipelineError) Unwrap() error { return ErrPipelineCompile }

// Logger is the logger used by the driver package and by
// driver implementations.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// Drivers returns the registered Drivers.
// Client code imports specific driver packages, and then
// call this function from init. As such, drivers that do
// not register themselves on init will not be considered
// for selection.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Find returns the registered Driver that targets api.
func Find(api API) (Driver, bool) {
	mu.Lock()
	defer mu.Unlock()
	for _, d := range drivers {
		if d.API() == api {
			return d, true
		}
	}
	return nil, false
}

// Register registers a Driver.
// Driver implementations are expected to call Register
// exactly once, from an init function.
// If a driver with the same name has already been
// registered, it will be replaced by drv.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			Logger.WithField("driver", drv.Name()).Warn("driver replaced")
			return
		}
	}
	drivers = append(drivers, drv)
	Logger.WithField("driver", drv.Name()).Debug("driver registered")
}

// Variables used for driver registration.
var (
	mu      sync.Mutex
	drivers []Driver = make([]Driver, 0, 3)
)
