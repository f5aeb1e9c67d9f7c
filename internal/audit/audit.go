// Package audit appends records of every mutating operation to a durable
// write-ahead log. The log is consumed by an external audit pipeline; the
// engine itself only writes.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"
)

// Recorder accepts audit records. Recording never fails the business
// operation that produced the record.
type Recorder interface {
	Record(kind string, payload any)
}

// Nop discards all records.
type Nop struct{}

func (Nop) Record(string, any) {}

// Journal writes audit records to a gowal log, one JSON value per record.
type Journal struct {
	mu     sync.Mutex
	wal    *gowal.Wal
	idx    uint64
	logger *zap.Logger
}

// NewJournal opens (or resumes) the audit log in dir.
func NewJournal(dir string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "audit_",
		SegmentThreshold: 10000,
		MaxSegments:      1000,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	return &Journal{
		wal:    wal,
		idx:    uint64(time.Now().UnixNano()),
		logger: logger,
	}, nil
}

// Record implements Recorder.
func (j *Journal) Record(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.Error("marshal audit record", zap.String("kind", kind), zap.Error(err))
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.idx++
	if err := j.wal.Write(j.idx, kind, data); err != nil {
		j.logger.Error("write audit record", zap.String("kind", kind), zap.Error(err))
	}
}

// Close flushes and closes the underlying log.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
