package persist

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Store combines the two storage tiers behind one read/write surface. Either
// tier may be absent at runtime; callers see degraded behavior, never an
// error they must handle.
type Store struct {
	file *FileTier
	db   *SQLiteTier
	log  *logrus.Logger

	writeTimeout time.Duration
}

// NewStore builds the two-tier persistence gateway. file and db may each be
// nil when the corresponding tier failed to initialize.
func NewStore(file *FileTier, db *SQLiteTier, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		file:         file,
		db:           db,
		log:          log,
		writeTimeout: 5 * time.Second,
	}
}

// ReadSync reads the synchronous tier. This is the authoritative source for
// the initial render; it must never block on the slow tier.
func (s *Store) ReadSync() *Snapshot {
	if s.file == nil {
		return nil
	}
	return s.file.Read()
}

// ReadAsync probes the asynchronous tier. Callers adopt the result only
// after re-checking the live state, since it may resolve long after newer
// data has arrived.
func (s *Store) ReadAsync(ctx context.Context) *Snapshot {
	if s.db == nil {
		return nil
	}
	snap, err := s.db.Read(ctx)
	if err != nil {
		s.log.WithError(err).Warn("async snapshot read failed")
		return nil
	}
	return snap
}

// Write validates the snapshot once and writes the synchronous tier first,
// then the asynchronous tier. The two writes are independent; either may
// fail without blocking the other. Returns true when at least one tier
// accepted the snapshot.
func (s *Store) Write(snap *Snapshot) bool {
	if err := snap.Validate(); err != nil {
		s.log.WithError(err).Warn("refusing to persist invalid snapshot")
		return false
	}

	var fileOK, dbOK bool
	if s.file != nil {
		fileOK = s.file.Write(snap)
		if !fileOK {
			s.log.Warn("sync-tier snapshot write failed")
		}
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		if err := s.db.Write(ctx, snap); err != nil {
			s.log.WithError(err).Warn("async-tier snapshot write failed")
		} else {
			dbOK = true
		}
	}

	return fileOK || dbOK
}

// Close releases tier resources.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
