package archive

import (
	"strings"

	"github.com/veritrace/veritrace/internal/config"
)

// New creates an ObjectStorage instance from the archive configuration.
// Parameters:
//   - cfg: archive configuration including endpoint, credentials, and bucket.
// Returns:
//   - ObjectStorage: initialized archive client.
//   - error: non-nil if the client cannot be created.
func New(cfg *config.ArchiveConfig) (ObjectStorage, error) {
	s3cfg := &S3Config{
		Type:      StorageType(cfg.Type),
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	}

	// Auto-detect storage type if not specified
	if s3cfg.Type == "" {
		s3cfg.Type = detectStorageType(s3cfg.Endpoint)
	}

	return NewS3Archive(s3cfg)
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
