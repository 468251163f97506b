package config

import (
	"os"
	"strings"
	"time"
)

// localFilesConfig points at the minio container of the local compose
// setup. The store is only used when FILES_S3_ENABLED is set.
func localFilesConfig() FilesConfig {
	return FilesConfig{
		Enabled:   envBool("FILES_S3_ENABLED", false),
		Endpoint:  firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_MINIO_ENDPOINT")), "minio:9000"),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER")), "ensemble"),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD")), "ensemble123"),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_S3_BUCKET")), "ensemble-files"),
		UseSSL:    false,
		URLExpiry: time.Hour,
	}
}
