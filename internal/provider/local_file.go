package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

// LocalFileProvider yields a single artifact sourced from one filesystem
// path, as a byte or string stream depending on binaryMode.
type LocalFileProvider struct {
	Path       string
	BinaryMode bool
}

// Yield implements Provider.
func (p *LocalFileProvider) Yield(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)

		info, err := os.Stat(p.Path)
		if err != nil || info.IsDir() {
			emit(ctx, out, Result{Err: fmt.Errorf("%w: local file: %s", perr.ErrSourceMissing, p.Path)})
			return
		}

		stream := NewFileStream(p.Path)
		hash, err := hashFile(p.Path)
		if err != nil {
			emit(ctx, out, Result{Err: fmt.Errorf("%w: local file: %s: %v", perr.ErrSourceMissing, p.Path, err)})
			return
		}

		item := artifact.NewItem(stream)
		item.Meta["path"] = p.Path
		emit(ctx, out, Result{Item: item, SpecificHash: hash})
	}()
	return out
}

// SerializationType reports the serialization this provider's artifacts
// should be saved under.
func (p *LocalFileProvider) SerializationType() artifact.SerializationType {
	if p.BinaryMode {
		return artifact.SerializationByteStream
	}
	return artifact.SerializationStringStream
}

func hashFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return artifact.StableHashBytes(b), nil
}
