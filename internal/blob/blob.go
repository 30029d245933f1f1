// Package blob is the entry point for blob storage: it re-exports the core
// abstractions and opens the configured driver. Packages outside the blob
// tree depend on this package rather than on the infra drivers.
package blob

import (
	"aquasim/internal/blob/core"
	"aquasim/internal/config"
	"aquasim/internal/infra/blob/fs"
	"aquasim/internal/infra/blob/memory"
	"aquasim/internal/infra/blob/s3"
	"context"
	"fmt"
	"os"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound is returned for missing keys.
	ErrNotFound = core.ErrNotFound
	// ErrExists is returned by Put when the key is taken.
	ErrExists = core.ErrExists
)

// Open selects a Store implementation from cfg. The S3 driver takes static
// credentials from AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY when present and
// the default AWS chain otherwise.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	driver := Driver(cfg.Driver)
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("blob: %s required for s3 driver", config.EnvBlobS3Bucket)
		}
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		})
	}
	return nil, fmt.Errorf("blob: unknown driver %q", driver)
}

// NewMockS3ForTests exposes the in-process S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return s3.NewMockForTests() }
