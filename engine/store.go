package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Artifact and sidecar file extensions.
const (
	ArtifactExt = ".xmrobj"
	SourceExt   = ".lsl"
	ListingExt  = ".xmrasm"
)

// ErrNotFound is returned by ArtifactStore.Open when no artifact exists for
// the asset id.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore holds compiled artifacts keyed by asset id. The presence of
// an artifact is the cache: an id that opens is never regenerated.
type ArtifactStore interface {
	// Open returns the artifact for id, or ErrNotFound.
	Open(ctx context.Context, id string) (io.ReadCloser, error)

	// Create starts a new artifact for id. Nothing is visible under id
	// until the writer is committed.
	Create(ctx context.Context, id string) (ArtifactWriter, error)

	// Delete removes the artifact for id and its sidecars. Deleting a
	// missing artifact is not an error.
	Delete(ctx context.Context, id string) error

	// WriteSidecar stores debug output (source text, listing) for id.
	WriteSidecar(ctx context.Context, id, ext string, data []byte) error
}

// ArtifactWriter receives the bytes of one artifact. Exactly one of Commit
// and Abort must be called.
type ArtifactWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// ---------------------------------------------------------------------------
// Filesystem store
// ---------------------------------------------------------------------------

// FSStore keeps one <id>.xmrobj file per artifact under a base directory.
// Artifacts are written to a temporary file and renamed into place.
type FSStore struct {
	Fs       afero.Fs
	BasePath string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(fs afero.Fs, basePath string) (*FSStore, error) {
	if err := fs.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create script base path: %w", err)
	}
	return &FSStore{Fs: fs, BasePath: basePath}, nil
}

// Path returns the file name of an artifact or sidecar.
func (s *FSStore) Path(id, ext string) string {
	return filepath.Join(s.BasePath, id+ext)
}

func (s *FSStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	f, err := s.Fs.Open(s.Path(id, ArtifactExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *FSStore) Create(_ context.Context, id string) (ArtifactWriter, error) {
	f, err := afero.TempFile(s.Fs, s.BasePath, id+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp artifact: %w", err)
	}
	return &fsWriter{store: s, f: f, dest: s.Path(id, ArtifactExt)}, nil
}

func (s *FSStore) Delete(_ context.Context, id string) error {
	var errs []error
	for _, ext := range []string{ArtifactExt, SourceExt, ListingExt} {
		if err := s.Fs.Remove(s.Path(id, ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FSStore) WriteSidecar(_ context.Context, id, ext string, data []byte) error {
	return afero.WriteFile(s.Fs, s.Path(id, ext), data, 0644)
}

type fsWriter struct {
	store *FSStore
	f     afero.File
	dest  string
}

func (w *fsWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *fsWriter) Commit() error {
	if err := w.f.Close(); err != nil {
		w.store.Fs.Remove(w.f.Name())
		return err
	}
	if err := w.store.Fs.Rename(w.f.Name(), w.dest); err != nil {
		w.store.Fs.Remove(w.f.Name())
		return fmt.Errorf("failed to rename artifact into place: %w", err)
	}
	return nil
}

func (w *fsWriter) Abort() error {
	w.f.Close()
	if err := w.store.Fs.Remove(w.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
