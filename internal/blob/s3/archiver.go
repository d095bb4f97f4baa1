package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/raceswap/raced/internal/domain"
)

// Narrow store views required by the archiver. The Postgres stores satisfy
// these implicitly; the archiver never needs write access or the full store
// interfaces.

// RaceArchiveStore provides read access to settled races for archival.
type RaceArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Race, error)
}

// TransferArchiveStore provides read access to old settlement transfers.
type TransferArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementTransfer, error)
}

// AuditArchiveStore provides read access to old audit entries.
type AuditArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for records
// older than the cutoff, serialising them to JSONL, and uploading the result.
//
// Deletion of archived records from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to run after the archive
// has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	races     RaceArchiveStore
	transfers TransferArchiveStore
	auditSrc  AuditArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl. audit (the log the archiver writes
// its own events to) may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	races RaceArchiveStore,
	transfers TransferArchiveStore,
	auditSrc AuditArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		races:     races,
		transfers: transfers,
		auditSrc:  auditSrc,
		audit:     audit,
	}
}

// ArchiveRaces uploads all races settled before the cutoff to
// archive/races/YYYY-MM.jsonl and returns the count of archived records.
func (a *ArchiveImpl) ArchiveRaces(ctx context.Context, before time.Time) (int64, error) {
	races, err := a.races.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive races query: %w", err)
	}
	return archive(ctx, a, "races", before, races)
}

// ArchiveTransfers uploads all settlement transfers created before the cutoff
// to archive/transfers/YYYY-MM.jsonl and returns the count of archived
// records.
func (a *ArchiveImpl) ArchiveTransfers(ctx context.Context, before time.Time) (int64, error) {
	transfers, err := a.transfers.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transfers query: %w", err)
	}
	return archive(ctx, a, "transfers", before, transfers)
}

// ArchiveAudit uploads all audit entries created before the cutoff to
// archive/audit/YYYY-MM.jsonl and returns the count of archived records.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.auditSrc.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archive(ctx, a, "audit", before, entries)
}

// archive serialises the records to JSONL, uploads the file, and logs the
// archival event.
func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/races/2025-01.jsonl
//	archive/transfers/2025-01.jsonl
//	archive/audit/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Worker runs the archiver on a fixed interval, archiving everything older
// than the retention window.
type Worker struct {
	archiver  domain.Archiver
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewWorker creates an archive worker. retentionDays bounds how long records
// stay in the primary store; the sweep runs once per interval (default 24h).
func NewWorker(archiver domain.Archiver, retentionDays int, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Worker{
		archiver:  archiver,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	before := time.Now().UTC().Add(-w.retention)

	races, err := w.archiver.ArchiveRaces(ctx, before)
	if err != nil {
		w.logger.ErrorContext(ctx, "race archive failed", slog.String("error", err.Error()))
	}
	transfers, err := w.archiver.ArchiveTransfers(ctx, before)
	if err != nil {
		w.logger.ErrorContext(ctx, "transfer archive failed", slog.String("error", err.Error()))
	}
	audit, err := w.archiver.ArchiveAudit(ctx, before)
	if err != nil {
		w.logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
	}

	if races+transfers+audit > 0 {
		w.logger.InfoContext(ctx, "archive sweep complete",
			slog.Int64("races", races),
			slog.Int64("transfers", transfers),
			slog.Int64("audit_entries", audit),
		)
	}
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
