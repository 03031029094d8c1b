package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

// LocalDirectoryProvider yields one artifact per entry of a directory.
type LocalDirectoryProvider struct {
	Path       string
	BinaryMode bool
}

// Yield implements Provider.
func (p *LocalDirectoryProvider) Yield(ctx context.Context) <-chan Result {
	out := make(chan Result, 4)
	go func() {
		defer close(out)

		entries, err := os.ReadDir(p.Path)
		if err != nil {
			emit(ctx, out, Result{Err: fmt.Errorf("%w: local directory: %s", perr.ErrSourceMissing, p.Path)})
			return
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			entryPath := filepath.Join(p.Path, entry.Name())
			hash, err := hashFile(entryPath)
			if err != nil {
				emit(ctx, out, Result{Err: fmt.Errorf("%w: local directory entry: %s: %v", perr.ErrSourceMissing, entryPath, err)})
				return
			}
			item := artifact.NewItem(NewFileStream(entryPath))
			item.Meta["path"] = entryPath
			item.Meta["name"] = entry.Name()
			if !emit(ctx, out, Result{Item: item, SpecificHash: hash}) {
				return
			}
		}
	}()
	return out
}

// SerializationType reports the serialization this provider's artifacts
// should be saved under.
func (p *LocalDirectoryProvider) SerializationType() artifact.SerializationType {
	if p.BinaryMode {
		return artifact.SerializationByteStream
	}
	return artifact.SerializationStringStream
}
