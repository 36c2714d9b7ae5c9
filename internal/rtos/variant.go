package rtos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/rtosview/internal/logging"
	"github.com/dshills/rtosview/internal/renderer/table"
)

// Variant is one kernel-specific implementation of the detect, refresh
// and render contract. A host holds several candidates and selects one at
// runtime by trial detection.
type Variant interface {
	// Name identifies the kernel, such as "FreeRTOS".
	Name() string

	// Detection returns the detection status.
	Detection() DetectionStatus

	// OnStopped, OnContinued and OnExited receive program status
	// transitions.
	OnStopped(frameID int)
	OnContinued()
	OnExited()

	// TryDetect attempts detection while halted. A busy target leaves the
	// status DetectNone. Once settled the status never changes.
	TryDetect(ctx context.Context, frameID int) (DetectionStatus, error)

	// Settle records a detection outcome decided by the host, such as
	// failure after too many busy attempts. It has no effect on a settled
	// variant.
	Settle(status DetectionStatus) DetectionStatus

	// Refresh rebuilds the rows. It is only called on an initialized
	// variant while halted, and must leave the previous rows intact when
	// it fails.
	Refresh(ctx context.Context, frameID int) error

	// Table projects the last completed refresh. It issues no requests.
	Table() table.Table

	// HTML renders Table as markup.
	HTML() string
}

// Snapshot is the published output of one completed refresh.
type Snapshot struct {
	Rows []Row
	At   time.Time
}

// Base carries what every variant shares: the gated evaluator and its
// cache, the detection state machine, and the last published rows. Concrete
// variants embed *Base and implement TryDetect and Refresh.
type Base struct {
	*Evaluator

	id     string
	name   string
	fields []string
	schema table.Schema
	log    *logging.Logger

	mu        sync.RWMutex
	detection DetectionStatus
	snapshot  *Snapshot
	// Timestamp controls whether Table carries a caption.
	timestamp bool
}

// BaseConfig configures a Base.
type BaseConfig struct {
	Name    string
	Session Session
	// Fields lists the columns in display order.
	Fields []string
	Schema table.Schema
	Logger *logging.Logger
	// Timestamp adds a "Last updated" caption to rendered tables.
	Timestamp bool
}

// NewBase creates the shared part of a variant.
func NewBase(cfg BaseConfig) *Base {
	id := uuid.NewString()
	log := logging.OrNull(cfg.Logger).WithFields(map[string]any{
		"variant":  cfg.Name,
		"instance": id[:8],
	})
	return &Base{
		Evaluator: NewEvaluator(cfg.Session, log),
		id:        id,
		name:      cfg.Name,
		fields:    append([]string(nil), cfg.Fields...),
		schema:    cfg.Schema,
		log:       log,
		timestamp: cfg.Timestamp,
	}
}

// ID returns the unique instance identifier.
func (b *Base) ID() string {
	return b.id
}

// Name returns the kernel name.
func (b *Base) Name() string {
	return b.name
}

// Logger returns the variant's logger.
func (b *Base) Logger() *logging.Logger {
	return b.log
}

// Fields returns the display columns in order.
func (b *Base) Fields() []string {
	return append([]string(nil), b.fields...)
}

// Detection returns the detection status.
func (b *Base) Detection() DetectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.detection
}

// Settle records a detection outcome. DetectNone is ignored, and a settled
// status never changes. It returns the resulting status.
func (b *Base) Settle(status DetectionStatus) DetectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detection.Settled() || status == DetectNone {
		return b.detection
	}
	b.detection = status
	b.log.Info("detection %s", status)
	return status
}

// Detect runs probe under the detection contract. A busy error leaves the
// status DetectNone and is not returned. Any other error settles the
// variant as failed.
func (b *Base) Detect(ctx context.Context, frameID int, probe func(ctx context.Context, frameID int) (DetectionStatus, error)) (DetectionStatus, error) {
	if status := b.Detection(); status.Settled() {
		return status, nil
	}
	if !b.Halted() {
		return DetectNone, nil
	}

	status, err := probe(ctx, frameID)
	switch {
	case IsBusy(err):
		b.log.Debug("detection deferred: %v", err)
		return DetectNone, nil
	case ctx.Err() != nil:
		return DetectNone, ctx.Err()
	case err != nil:
		b.Settle(DetectFailed)
		return DetectFailed, fmt.Errorf("%w: %s: %w", ErrDetectionFailed, b.name, err)
	}
	return b.Settle(status), nil
}

// Publish replaces the rows shown by Table. Rows are swapped in one step
// so a render never sees a partial refresh.
func (b *Base) Publish(rows []Row, at time.Time) {
	snap := &Snapshot{Rows: append([]Row(nil), rows...), At: at}
	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()
}

// Snapshot returns the last published rows, or nil before the first
// successful refresh.
func (b *Base) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// CheckRefresh returns an error unless a refresh may run now.
func (b *Base) CheckRefresh() error {
	if b.Detection() != DetectInitialized {
		return ErrNotInitialized
	}
	if !b.Halted() {
		return ErrBusy
	}
	return nil
}

// CaptionFormat is the layout of the timestamp caption.
const CaptionFormat = "Last updated: 15:04:05"

// Table renders the last published rows.
func (b *Base) Table() table.Table {
	snap := b.Snapshot()
	var records []table.Record
	caption := ""
	if snap != nil {
		records = make([]table.Record, len(snap.Rows))
		for i, r := range snap.Rows {
			records[i] = r.Record()
		}
		if b.timestamp {
			caption = snap.At.Format(CaptionFormat)
		}
	}
	return table.Render(b.fields, b.schema, records, caption)
}

// HTML renders Table as markup.
func (b *Base) HTML() string {
	return b.Table().HTML()
}
