package artifact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/platform/env"
)

// MinioConfig configures the MinIO-backed artifact store.
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	Bucket     string
	Prefix     string
	MaxRetries uint64
}

func MinioConfigFromEnv() (MinioConfig, error) {
	useSSL, err := env.Bool("LOOM_MINIO_USE_SSL", false)
	if err != nil {
		return MinioConfig{}, err
	}
	retries, err := env.Int("LOOM_MINIO_MAX_RETRIES", 3)
	if err != nil {
		return MinioConfig{}, err
	}
	if retries < 0 {
		return MinioConfig{}, errors.New("LOOM_MINIO_MAX_RETRIES must be >= 0")
	}
	cfg := MinioConfig{
		Endpoint:   env.String("LOOM_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:  env.String("LOOM_MINIO_ACCESS_KEY", "loom"),
		SecretKey:  env.String("LOOM_MINIO_SECRET_KEY", "loomminio"),
		Region:     env.String("LOOM_MINIO_REGION", "us-east-1"),
		UseSSL:     useSSL,
		Bucket:     env.String("LOOM_MINIO_BUCKET", "artifacts"),
		Prefix:     env.String("LOOM_MINIO_PREFIX", ""),
		MaxRetries: uint64(retries),
	}
	if err := cfg.Validate(); err != nil {
		return MinioConfig{}, err
	}
	return cfg, nil
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if c.Prefix != "" && (strings.HasPrefix(c.Prefix, "/") || strings.Contains(c.Prefix, "..")) {
		return fmt.Errorf("prefix %q must be a relative path", c.Prefix)
	}
	return nil
}
