package serving

import (
	"fmt"
	"io"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/model/remote"
	"minecraftfriend.ai/internal/normalize"
)

// Policy is a loaded model with the preprocessing it was trained with.
// It is immutable once built; a reload swaps in a new one.
type Policy struct {
	Path      string
	Meta      artifact.Meta
	Model     model.Model
	Transform normalize.Transform

	closer io.Closer
}

// NewPolicy wraps an in-memory model, as tests and embedders do.
func NewPolicy(path string, meta artifact.Meta, m model.Model) *Policy {
	return &Policy{Path: path, Meta: meta, Model: m, Transform: meta.Transform()}
}

// LoadPolicy reads the bundle at path. With remoteAddr set the bundle only
// supplies metadata and the windows go to that inference service.
func LoadPolicy(path, remoteAddr string) (*Policy, error) {
	b, err := artifact.Load(path)
	if err != nil {
		return nil, err
	}
	if remoteAddr != "" {
		c, err := remote.Dial(remoteAddr, b.Meta.InFeatures)
		if err != nil {
			return nil, err
		}
		p := NewPolicy(artifact.BundlePath(path), b.Meta, c)
		p.closer = c
		return p, nil
	}
	m, err := b.Model()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewPolicy(artifact.BundlePath(path), b.Meta, m), nil
}

// Close releases a remote connection, if any.
func (p *Policy) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// Steps is the window length fed to the model.
func (p *Policy) Steps() int {
	if p.Meta.Sequential() {
		return max(1, p.Meta.SequenceLength)
	}
	return 1
}
