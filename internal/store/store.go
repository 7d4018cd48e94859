// Package store persists catalog snapshots as a single CBOR file.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/fingerprint"
)

// SchemaVersion identifies the envelope layout written by Save.
const SchemaVersion = 1

const lockRetryDelay = 50 * time.Millisecond

var (
	// ErrNotFound is returned by Load when no snapshot has been saved yet.
	ErrNotFound = errors.New("snapshot file not found")
	// ErrSchema is returned for envelopes written by an unknown layout.
	ErrSchema = errors.New("unsupported snapshot schema")
)

type recordDoc struct {
	ID          string  `cbor:"id"`
	NamePrimary string  `cbor:"name_primary"`
	NameAlt     *string `cbor:"name_alt,omitempty"`
	ImageRef    string  `cbor:"image_ref"`
	Fingerprint *uint64 `cbor:"fingerprint,omitempty"`
}

type envelope struct {
	Schema            int         `cbor:"schema"`
	Version           string      `cbor:"version"`
	BuiltAt           time.Time   `cbor:"built_at"`
	FingerprintFormat string      `cbor:"fingerprint_format"`
	Records           []recordDoc `cbor:"records"`
}

// FileStore reads and writes one snapshot file guarded by an advisory lock.
// Every call opens its own lock handle.
type FileStore struct {
	path     string
	lockPath string
	enc      cbor.EncMode
	logger   *zap.Logger
}

// NewFileStore returns a store for the snapshot at path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &FileStore{
		path:     path,
		lockPath: path + ".lock",
		enc:      enc,
		logger:   logger.Named("store"),
	}, nil
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string { return s.path }

// Save writes snap to a temporary file and renames it over the snapshot, so
// readers see either the old or the new file in full.
func (s *FileStore) Save(ctx context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	data, err := s.encode(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire snapshot lock: %w", err)
	}
	if !locked {
		return errors.New("acquire snapshot lock: not acquired")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("failed to release snapshot lock", zap.Error(err))
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.logger.Info("snapshot saved",
		zap.String("path", s.path),
		zap.String("version", snap.Version()),
		zap.Int("records", snap.Len()),
		zap.Int("fingerprinted", snap.FingerprintedCount()),
	)
	return nil
}

// Load reads the stored snapshot. A snapshot whose fingerprints were built
// with a different format is returned without fingerprints.
func (s *FileStore) Load(ctx context.Context) (*catalog.Snapshot, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	lock := flock.New(s.lockPath)
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire snapshot lock: %w", err)
	}
	if locked {
		defer func() {
			if err := lock.Unlock(); err != nil {
				s.logger.Warn("failed to release snapshot lock", zap.Error(err))
			}
		}()
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	snap, err := decode(data)
	if err != nil {
		return nil, err
	}
	if format := snap.Meta().FingerprintFormat; format != fingerprint.Format {
		s.logger.Warn("stored fingerprints use a different format; dropping them",
			zap.String("stored_format", format),
			zap.String("current_format", fingerprint.Format),
		)
		snap = snap.WithoutFingerprints()
	}
	return snap, nil
}

func (s *FileStore) encode(snap *catalog.Snapshot) ([]byte, error) {
	meta := snap.Meta()
	env := envelope{
		Schema:            SchemaVersion,
		Version:           meta.Version,
		BuiltAt:           meta.BuiltAt,
		FingerprintFormat: meta.FingerprintFormat,
		Records:           make([]recordDoc, 0, snap.Len()),
	}
	snap.Range(func(rec catalog.Record) bool {
		doc := recordDoc{
			ID:          rec.ID,
			NamePrimary: rec.NamePrimary,
			NameAlt:     rec.NameAlt,
			ImageRef:    rec.ImageRef,
		}
		if h, ok := rec.Hash(); ok {
			v := uint64(h)
			doc.Fingerprint = &v
		}
		env.Records = append(env.Records, doc)
		return true
	})

	data, err := s.enc.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*catalog.Snapshot, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchema, env.Schema)
	}

	records := make([]catalog.Record, 0, len(env.Records))
	for _, doc := range env.Records {
		rec := catalog.Record{
			ID:          doc.ID,
			NamePrimary: doc.NamePrimary,
			NameAlt:     doc.NameAlt,
			ImageRef:    doc.ImageRef,
		}
		if doc.Fingerprint != nil {
			rec.Fingerprint = catalog.FingerprintPtr(fingerprint.Fingerprint(*doc.Fingerprint))
		}
		records = append(records, rec)
	}

	snap, err := catalog.NewSnapshot(records, catalog.Meta{
		Version:           env.Version,
		BuiltAt:           env.BuiltAt,
		FingerprintFormat: env.FingerprintFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
