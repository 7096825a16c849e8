package telemetry

import (
	"context"
	"errors"

	"apex-codegen/internal/logging"

	"go.uber.org/zap"
)

// Recorder is the Persister used by the service: archive first, then the
// row pointing at the archive. Either part may be nil.
type Recorder struct {
	store    *Store
	archiver *Archiver
}

// NewRecorder combines a store and an archiver.
func NewRecorder(store *Store, archiver *Archiver) *Recorder {
	return &Recorder{store: store, archiver: archiver}
}

// Persist implements Persister. An archive failure is logged and the row is
// still written without a key.
func (r *Recorder) Persist(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("telemetry: nil snapshot")
	}
	log := logging.ForRun(snap.RunID)

	var key string
	if r.archiver != nil {
		k, err := r.archiver.Archive(ctx, snap)
		if err != nil {
			log.Warn("snapshot archive failed", zap.Error(err))
		} else {
			key = k
		}
	}

	if r.store != nil {
		if err := r.store.Save(ctx, snap, key); err != nil {
			return err
		}
	}
	log.Debug("snapshot persisted",
		zap.Bool("success", snap.Success),
		zap.Int("files", len(snap.Files)),
		zap.String("archive_key", key))
	return nil
}
