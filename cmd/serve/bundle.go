package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/persistence/r2s3"
	"minecraftfriend.ai/internal/serving"
)

// pullBundle downloads key from the configured bucket into the model path,
// where the initial load (and the watcher) will find it.
func pullBundle(ctx context.Context, key, modelPath string, logger *log.Logger) error {
	client, err := r2s3.ClientFromEnv()
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("no bucket credentials are set")
	}
	dest := modelPath
	if !strings.HasSuffix(dest, ".zst") {
		dest = filepath.Join(dest, artifact.BundleFile)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := client.GetFile(ctx, key, dest); err != nil {
		if errors.Is(err, r2s3.ErrNotFound) {
			return fmt.Errorf("object not found")
		}
		return err
	}
	logger.Printf("pulled bundle key=%s path=%s", key, dest)
	return nil
}

// policyModel serves whatever policy is loaded when a call arrives.
type policyModel struct {
	srv *serving.Server
}

func (m policyModel) Predict(ctx context.Context, window []float32) (model.Output, error) {
	p := m.srv.Policy()
	if p == nil {
		return nil, serving.ErrNoPolicy
	}
	return p.Model.Predict(ctx, window)
}
