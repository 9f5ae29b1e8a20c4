// Package storage saves frame tree dumps and other artifacts.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister saves data under a path.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister saves files on the local disk. A file is written next
// to its destination and renamed over it once complete, so readers never
// see a partial dump.
type LocalFilePersister struct{}

// Persist writes data to path, creating missing directories and replacing
// any existing file. It stops early when ctx is done.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(cp)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %q: %w", cp, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: data}); err != nil {
		return fmt.Errorf("writing %q: %w", cp, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("writing %q: %w", cp, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), cp); err != nil {
		return fmt.Errorf("replacing %q: %w", cp, err)
	}

	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
