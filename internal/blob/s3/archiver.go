package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// Keyed reports name their own object key, relative to the archive prefix
// and date directory. Other values are stored under a random name.
type Keyed interface {
	ArchiveKey() string
}

// ReportArchiver implements domain.ReportArchiver by writing each report as
// JSON to {prefix}/{yyyy}/{mm}/{dd}/{key}.json.
type ReportArchiver struct {
	writer domain.BlobWriter
	prefix string
	audit  domain.AuditStore
	now    func() time.Time
}

// NewReportArchiver creates an archiver. audit may be nil.
func NewReportArchiver(writer domain.BlobWriter, prefix string, audit domain.AuditStore) *ReportArchiver {
	if prefix == "" {
		prefix = "reports"
	}
	return &ReportArchiver{
		writer: writer,
		prefix: prefix,
		audit:  audit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveReport uploads report and returns its object path.
func (a *ReportArchiver) ArchiveReport(ctx context.Context, report any) (string, error) {
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: encode report: %w", err)
	}

	p := a.objectPath(report)
	if len(data) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, p, bytes.NewReader(data), 0)
	} else {
		err = a.writer.Put(ctx, p, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive report: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "report.archived", map[string]any{
			"path":  p,
			"bytes": len(data),
		}); err != nil {
			return p, fmt.Errorf("s3blob: archive report audit log: %w", err)
		}
	}
	return p, nil
}

func (a *ReportArchiver) objectPath(report any) string {
	key := uuid.NewString()
	if k, ok := report.(Keyed); ok && k.ArchiveKey() != "" {
		key = k.ArchiveKey()
	}
	return path.Join(a.prefix, a.now().Format("2006/01/02"), key+".json")
}

var _ domain.ReportArchiver = (*ReportArchiver)(nil)
