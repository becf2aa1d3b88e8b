package downloader

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/service/log"
)

// DownloadSession tracks one product retrieval from first transition to
// terminal state. It is owned by a single goroutine.
type DownloadSession struct {
	ID              string
	Target          common.AcquisitionRecord
	DestinationPath string
	BytesWritten    int64
	ExpectedBytes   int64
	State           State
	History         []State
	Err             error
}

func newSession(record common.AcquisitionRecord) *DownloadSession {
	return &DownloadSession{
		ID:            uuid.NewString(),
		Target:        record,
		ExpectedBytes: record.SizeBytes,
		State:         StateIdle,
	}
}

func (s *DownloadSession) transition(ctx context.Context, state State) {
	s.State = state
	s.History = append(s.History, state)
	log.Logger(ctx).Debug("transition",
		zap.String("session", s.ID),
		zap.String("product", s.Target.Name),
		zap.String("state", state.String()))
}

// fail moves the session to FAILED, keeping the first error
func (s *DownloadSession) fail(ctx context.Context, err error) (*DownloadSession, error) {
	s.transition(ctx, StateFailed)
	s.Err = err
	log.Logger(ctx).Warn("download failed",
		zap.String("product", s.Target.Name),
		zap.Error(err))
	return s, err
}

// IntegrityError reports a byte count mismatch after a completed transfer.
// The partial artifact is kept on disk for inspection or a later resume.
type IntegrityError struct {
	Product  string
	Expected int64
	Written  int64
	Path     string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %d bytes, got %d (partial kept at %s)",
		e.Product, e.Expected, e.Written, e.Path)
}

// IfExistsPolicy decides what to do when the destination already exists
type IfExistsPolicy int32

const (
	// IfExistsSkip returns a completed session without any transfer
	IfExistsSkip IfExistsPolicy = iota
	// IfExistsOverwrite removes the existing artifact first
	IfExistsOverwrite
	// IfExistsError refuses the download
	IfExistsError
)

// DownloadOptions tune a single download
type DownloadOptions struct {
	IfExists IfExistsPolicy
	// Uncompress extracts recognized archives next to the download and
	// removes the archive. When extraction fails the downloaded archive
	// is kept and the session still reports its path.
	Uncompress bool
}
