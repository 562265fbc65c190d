package database

import (
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
)

// WriteBuffer batches message appends so the dispatch path never waits on disk
type WriteBuffer struct {
	store         *Store
	flushInterval time.Duration
	logger        zerolog.Logger

	// OnError is called with the number of entries lost when a flush fails
	OnError func(dropped int, err error)

	pendingMu sync.Mutex
	pending   []Entry

	// Serializes flushes between the loop and synchronous callers
	flushMu sync.Mutex

	closeOnce sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewWriteBuffer creates a write buffer over store with the given flush interval
func NewWriteBuffer(store *Store, flushInterval time.Duration, logger zerolog.Logger) *WriteBuffer {
	wb := &WriteBuffer{
		store:         store,
		flushInterval: flushInterval,
		logger:        logger,
		pending:       make([]Entry, 0, 100),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Append queues a message for the next flush. It never blocks on the database.
func (wb *WriteBuffer) Append(msg protocol.Message, sessionID string, kind protocol.SessionKind) error {
	select {
	case <-wb.shutdown:
		return ErrClosed
	default:
	}

	wb.pendingMu.Lock()
	wb.pending = append(wb.pending, Entry{Message: msg, SessionID: sessionID, SessionKind: kind})
	wb.pendingMu.Unlock()
	return nil
}

// Pending returns the number of queued entries
func (wb *WriteBuffer) Pending() int {
	wb.pendingMu.Lock()
	defer wb.pendingMu.Unlock()
	return len(wb.pending)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.Flush()
			return
		}
	}
}

// Flush writes all queued entries in a single transaction
func (wb *WriteBuffer) Flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.pendingMu.Lock()
	batch := wb.pending
	wb.pending = make([]Entry, 0, 100)
	wb.pendingMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := wb.store.AppendBatch(batch); err != nil {
		wb.logger.Warn().Err(err).Int("dropped", len(batch)).Msg("write buffer flush failed")
		if wb.OnError != nil {
			wb.OnError(len(batch), err)
		}
		return err
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		wb.logger.Warn().Int("messages", len(batch)).Dur("elapsed", elapsed).Msg("slow write buffer flush")
	}
	return nil
}

// Reads flush first so callers observe their own appends

func (wb *WriteBuffer) Recent(sessionID string, limit int) ([]protocol.Message, error) {
	wb.Flush()
	return wb.store.Recent(sessionID, limit)
}

func (wb *WriteBuffer) After(sessionID string, timestamp int64) ([]protocol.Message, error) {
	wb.Flush()
	return wb.store.After(sessionID, timestamp)
}

func (wb *WriteBuffer) ListKnownSessions() ([]string, error) {
	wb.Flush()
	return wb.store.ListKnownSessions()
}

func (wb *WriteBuffer) SessionKindOf(sessionID string) (protocol.SessionKind, error) {
	wb.Flush()
	return wb.store.SessionKindOf(sessionID)
}

func (wb *WriteBuffer) SetLastSyncTime(sessionID string, timestamp int64) error {
	wb.Flush()
	return wb.store.SetLastSyncTime(sessionID, timestamp)
}

// Close stops the flush loop, writes what is left and closes the store
func (wb *WriteBuffer) Close() error {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
	return wb.store.Close()
}
