package config

import (
	"os"
	"strings"
)

// localCheckpoint fills in the docker-compose defaults used by APP_ENV=local:
// postgres when a DSN is present, otherwise the minio bucket when its
// endpoint is set, otherwise JSON files under tmp/.
func localCheckpoint(c CheckpointConfig) CheckpointConfig {
	switch {
	case c.DSN != "":
		c.Driver = DriverPostgres
	case c.S3.Endpoint != "":
		c.Driver = DriverS3
		c.S3.AccessKey = firstNonEmpty(c.S3.AccessKey, "chimera")
		c.S3.SecretKey = firstNonEmpty(c.S3.SecretKey, "chimera123")
	default:
		c.Driver = DriverFile
		c.Dir = firstNonEmpty(c.Dir, strings.TrimSpace(os.Getenv("CHECKPOINT_DIR")), "tmp/checkpoints")
	}
	return c
}
