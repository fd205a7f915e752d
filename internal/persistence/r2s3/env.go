package r2s3

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Environment variables read by ClientFromEnv and MirrorFromEnv.
const (
	EnvMirror          = "MF_R2_MIRROR"
	EnvEndpoint        = "MF_R2_ENDPOINT"
	EnvBucket          = "MF_R2_BUCKET"
	EnvAccessKeyID     = "MF_R2_ACCESS_KEY_ID"
	EnvSecretAccessKey = "MF_R2_SECRET_ACCESS_KEY"
	EnvPrefix          = "MF_R2_PREFIX"
	EnvUploadWorkers   = "MF_R2_UPLOAD_WORKERS"
)

// ClientFromEnv builds a client from MF_R2_* credentials. It returns
// (nil, nil) when none of them are set.
func ClientFromEnv() (*Client, error) {
	endpoint := strings.TrimSpace(os.Getenv(EnvEndpoint))
	bucket := strings.TrimSpace(os.Getenv(EnvBucket))
	accessKeyID := strings.TrimSpace(os.Getenv(EnvAccessKeyID))
	secretAccessKey := strings.TrimSpace(os.Getenv(EnvSecretAccessKey))
	if endpoint == "" && bucket == "" && accessKeyID == "" && secretAccessKey == "" {
		return nil, nil
	}
	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("%s/%s/%s/%s are not fully set", EnvEndpoint, EnvBucket, EnvAccessKeyID, EnvSecretAccessKey)
	}
	return New(endpoint, bucket, accessKeyID, secretAccessKey)
}

// MirrorFromEnv returns nil when MF_R2_MIRROR is off. A nil *Mirror is
// safe to Enqueue to and Close.
func MirrorFromEnv(baseDir string, logger *log.Logger) (*Mirror, error) {
	if !envBool(EnvMirror, false) {
		return nil, nil
	}
	client, err := ClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("%s=true but %w", EnvMirror, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s=true but no bucket credentials are set", EnvMirror)
	}
	return NewMirror(client, MirrorOptions{
		BaseDir: baseDir,
		Prefix:  strings.TrimSpace(os.Getenv(EnvPrefix)),
		Workers: envInt(EnvUploadWorkers, 2),
		Logger:  logger,
	}), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
