package audit

import (
	"context"
	"log"
	"os"
	"time"
)

// ArchivingStore decorates a Store so every appended event is also exported to
// the archiver. Archive failures are logged, never surfaced: the relational
// log is the source of truth and losing a cold copy must not fail the write.
type ArchivingStore struct {
	Store
	archiver Archiver
	logger   *log.Logger
}

func NewArchivingStore(inner Store, archiver Archiver, logger *log.Logger) *ArchivingStore {
	if logger == nil {
		logger = log.New(os.Stdout, "[audit.archive] ", log.LstdFlags)
	}
	return &ArchivingStore{Store: inner, archiver: archiver, logger: logger}
}

func (s *ArchivingStore) Append(ctx context.Context, ev *Event) error {
	if err := s.Store.Append(ctx, ev); err != nil {
		return err
	}
	// Detach from the request context so a cancelled request does not lose
	// the archive copy.
	archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archiver.ArchiveEvent(archiveCtx, ev); err != nil {
		s.logger.Printf("archive event %s: %v", ev.ID, err)
	}
	return nil
}
