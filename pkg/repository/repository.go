// Package repository provides durable storage for devices, tasks, push
// configs, scan watermarks, and external agent endpoints. Two backends
// exist: an in-memory store for tests and single-node default use, and
// a SQL store supporting sqlite, postgres, and mysql.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/device"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	ContextID string
	State     a2a.TaskState
	Limit     int
}

// Repository is the durable storage port of the broker.
type Repository interface {
	// Devices. Satisfies device.Store.
	SaveDevice(ctx context.Context, d *device.Device) error
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	ListDevices(ctx context.Context) ([]*device.Device, error)
	DeleteDevice(ctx context.Context, id string) error

	// Tasks, indexed by id with a secondary index on contextId.
	SaveTask(ctx context.Context, t *a2a.Task) error
	GetTask(ctx context.Context, id string) (*a2a.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*a2a.Task, error)

	// Push notification configs, keyed by (taskId, configId).
	SavePushConfig(ctx context.Context, taskID string, cfg a2a.PushNotificationConfig) error
	GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error)
	ListPushConfigs(ctx context.Context, taskID string) ([]a2a.PushNotificationConfig, error)
	DeletePushConfig(ctx context.Context, taskID, configID string) error

	// Scan high-water marks, keyed by deviceId.
	GetWatermark(ctx context.Context, deviceID string) (uint64, error)
	SetWatermark(ctx context.Context, deviceID string, seq uint64) error

	// External agent endpoints.
	SaveAgentEndpoint(ctx context.Context, ep *a2a.AgentEndpoint) error
	ListAgentEndpoints(ctx context.Context) ([]*a2a.AgentEndpoint, error)

	Close() error
}

// New opens the repository backend named by driver.
func New(driver, dsn string) (Repository, error) {
	switch driver {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite", "sqlite3", "postgres", "mysql":
		return NewSQL(driver, dsn)
	default:
		return nil, fmt.Errorf("unsupported repository driver %q", driver)
	}
}

var _ device.Store = (Repository)(nil)
