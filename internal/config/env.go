package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvStoreDriver      = "AQUASIM_STORE_DRIVER"
	EnvStorePath        = "AQUASIM_STORE_PATH"
	EnvStoreDSN         = "AQUASIM_STORE_DSN"
	EnvCheckpointDriver = "AQUASIM_CHECKPOINT_DRIVER"
	EnvBlobDriver       = "AQUASIM_BLOB_DRIVER"
	EnvBlobFSRoot       = "AQUASIM_BLOB_FS_ROOT"
	EnvBlobS3Bucket     = "AQUASIM_BLOB_S3_BUCKET"
	EnvBlobS3Region     = "AQUASIM_BLOB_S3_REGION"
	EnvBlobS3Endpoint   = "AQUASIM_BLOB_S3_ENDPOINT"
	EnvBlobS3PathStyle  = "AQUASIM_BLOB_S3_PATH_STYLE"
	EnvLogLevel         = "AQUASIM_LOG_LEVEL"
	EnvLogFormat        = "AQUASIM_LOG_FORMAT"
	EnvSeed             = "AQUASIM_SEED"
)

// ApplyEnv overlays non-empty AQUASIM_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Store.Driver, EnvStoreDriver)
	set(&c.Store.Path, EnvStorePath)
	set(&c.Store.DSN, EnvStoreDSN)
	set(&c.Checkpoint.Driver, EnvCheckpointDriver)
	set(&c.Blob.Driver, EnvBlobDriver)
	set(&c.Blob.FSRoot, EnvBlobFSRoot)
	set(&c.Blob.S3.Bucket, EnvBlobS3Bucket)
	set(&c.Blob.S3.Region, EnvBlobS3Region)
	set(&c.Blob.S3.Endpoint, EnvBlobS3Endpoint)
	set(&c.Logging.Level, EnvLogLevel)
	set(&c.Logging.Format, EnvLogFormat)

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	c.Blob.Driver = strings.ToLower(c.Blob.Driver)

	if v := strings.TrimSpace(getenv(EnvBlobS3PathStyle)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvBlobS3PathStyle, err)
		}
		c.Blob.S3.PathStyle = b
	}
	if v := strings.TrimSpace(getenv(EnvSeed)); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvSeed, err)
		}
		c.Seed = seed
	}
	return nil
}
