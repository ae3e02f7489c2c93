package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// multipartThreshold is the export size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 << 20

// ObjectChecker confirms an upload landed before anything is pruned.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// auditRecord is the archived JSONL shape of one audit entry.
type auditRecord struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArchiveImpl implements domain.Archiver: it exports audit entries older than
// a cutoff to object storage as JSONL and, when a pruner is set, deletes the
// exported rows once the object is confirmed to exist.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	checker ObjectChecker
	audit   domain.AuditStore
	pruner  domain.AuditPruner
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates a new ArchiveImpl. checker and pruner may be nil; without
// a pruner archived rows stay in the primary store.
func NewArchiver(
	writer domain.BlobWriter,
	checker ObjectChecker,
	audit domain.AuditStore,
	pruner domain.AuditPruner,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		checker: checker,
		audit:   audit,
		pruner:  pruner,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

// ArchiveAudit exports every audit entry created before the cutoff to
// archive/audit/YYYY-MM/<run>.jsonl, records an archive.audit entry and
// returns the number of entries exported.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	records := make([]auditRecord, len(entries))
	for i, e := range entries {
		records[i] = auditRecord{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before, a.now())
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))
	detail := map[string]any{
		"path":   path,
		"count":  count,
		"bytes":  len(buf),
		"before": before.UTC().Format(time.RFC3339),
	}

	if a.pruner != nil {
		pruned, err := a.prune(ctx, path, before)
		if err != nil {
			return count, err
		}
		detail["pruned"] = pruned
	}

	if err := a.audit.Log(ctx, "archive.audit", detail); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	a.logger.InfoContext(ctx, "audit archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return count, nil
}

func (a *ArchiveImpl) prune(ctx context.Context, path string, before time.Time) (int64, error) {
	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive audit verify %s: %w", path, domain.ErrNotFound)
		}
	}
	n, err := a.pruner.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit prune: %w", err)
	}
	return n, nil
}

// archivePath builds the key for an archive file, partitioned by the
// year-month of the cutoff and named after the run time so repeated runs in
// one month never overwrite each other.
//
//	archive/audit/2026-01/20260131T000000Z.jsonl
func archivePath(kind string, before, run time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.UTC().Format("2006-01"), run.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
