// Package report archives apply-mode reconciliation summaries to object
// storage.
//
// Each report is written once under
//
//	<prefix>/reports/<kind>/<yyyy>/<mm>/<dd>/<runId>.<ext>
//
// as JSON (optionally stream-compressed) or parquet (page-compressed). When a
// metadata store is configured, a pointer to the newest report of each kind
// is kept at keys.LatestReportKeyPath(kind).
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/metadata"
	"github.com/sornon/member-sub002/internal/metadata/keys"
	"github.com/sornon/member-sub002/internal/objectstore"
	"github.com/sornon/member-sub002/internal/reconcile"
)

// ErrNoReport is returned by Latest when no report of the kind was archived.
var ErrNoReport = errors.New("report: no report archived")

// Config configures an Archiver.
type Config struct {
	// Prefix is prepended to every object key.
	Prefix      string
	Format      Format
	Compression Compression

	// Retention deletes reports of the same kind older than this after each
	// archive. Zero keeps every report.
	Retention time.Duration
}

// Pointer is the metadata record naming the newest report of a kind.
type Pointer struct {
	Key       string    `json:"key"`
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// Archiver writes reports to an object store. It implements reconcile.Sink.
type Archiver struct {
	store  objectstore.Store
	meta   metadata.MetadataStore
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. meta may be nil, in which case no latest
// pointer is maintained.
func NewArchiver(store objectstore.Store, meta metadata.MetadataStore, cfg Config, logger *logging.Logger) *Archiver {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Archiver{store: store, meta: meta, cfg: cfg, logger: logger, now: time.Now}
}

// Key returns the object key a report is archived under.
func (a *Archiver) Key(r reconcile.Report) string {
	day := r.StartedAt.UTC().Format("2006/01/02")
	return objectstore.JoinKey(a.cfg.Prefix, "reports", r.Kind, day, r.RunID+a.extension())
}

func (a *Archiver) extension() string {
	if a.cfg.Format == FormatParquet {
		return ".parquet"
	}
	return ".json" + a.cfg.Compression.Extension()
}

// Archive encodes and stores a report. Archiving the same run twice keeps
// the first copy.
func (a *Archiver) Archive(ctx context.Context, r reconcile.Report) error {
	if r.Kind == "" || r.RunID == "" {
		return fmt.Errorf("report: kind and run id are required")
	}
	data, err := encode(a.cfg.Format, a.cfg.Compression, r)
	if err != nil {
		return err
	}

	key := a.Key(r)
	err = a.store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), a.contentType(), objectstore.PutOptions{
		IfNoneMatch: "*",
		Metadata: map[string]string{
			"kind":        r.Kind,
			"run-id":      r.RunID,
			"format":      string(a.cfg.Format),
			"compression": string(a.cfg.Compression),
		},
	})
	switch {
	case errors.Is(err, objectstore.ErrPreconditionFailed):
		a.logger.Debugf("report already archived", map[string]any{"key": key})
		return nil
	case err != nil:
		return err
	}

	a.logger.Infof("report archived", map[string]any{
		"kind":  r.Kind,
		"runId": r.RunID,
		"key":   key,
		"bytes": len(data),
	})
	if err := a.updateLatest(ctx, r, key); err != nil {
		return err
	}
	if a.cfg.Retention > 0 {
		if _, err := a.prune(ctx, r.Kind, a.now().Add(-a.cfg.Retention), key); err != nil {
			a.logger.Warnf("report retention failed", map[string]any{"kind": r.Kind, "error": err.Error()})
		}
	}
	return nil
}

// Prune deletes reports of a kind last modified before cutoff. The report
// the latest pointer names is kept.
func (a *Archiver) Prune(ctx context.Context, kind string, cutoff time.Time) (int, error) {
	return a.prune(ctx, kind, cutoff, "")
}

func (a *Archiver) prune(ctx context.Context, kind string, cutoff time.Time, justWritten string) (int, error) {
	objs, err := a.store.List(ctx, a.kindPrefix(kind))
	if err != nil {
		return 0, err
	}
	latest := ""
	if p, err := a.Latest(ctx, kind); err == nil {
		latest = p.Key
	} else if !errors.Is(err, ErrNoReport) {
		return 0, err
	}

	deleted := 0
	for _, o := range objs {
		if o.Key == latest || o.Key == justWritten || o.LastModified >= cutoff.UnixMilli() {
			continue
		}
		if err := a.store.Delete(ctx, o.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		a.logger.Infof("pruned reports", map[string]any{"kind": kind, "deleted": deleted, "cutoff": cutoff.UTC()})
	}
	return deleted, nil
}

func (a *Archiver) kindPrefix(kind string) string {
	return objectstore.JoinKey(a.cfg.Prefix, "reports", kind) + "/"
}

func (a *Archiver) contentType() string {
	if a.cfg.Format == FormatParquet {
		return "application/vnd.apache.parquet"
	}
	if a.cfg.Compression == CompressionNone {
		return "application/json"
	}
	return "application/octet-stream"
}

// updateLatest moves the latest pointer forward. A pointer to a newer run
// is left in place.
func (a *Archiver) updateLatest(ctx context.Context, r reconcile.Report, key string) error {
	if a.meta == nil {
		return nil
	}
	ptrKey := keys.LatestReportKeyPath(r.Kind)
	value, err := json.Marshal(Pointer{Key: key, RunID: r.RunID, StartedAt: r.StartedAt.UTC()})
	if err != nil {
		return fmt.Errorf("report: marshal pointer: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		cur, err := a.meta.Get(ctx, ptrKey)
		if err != nil {
			return fmt.Errorf("report: read latest pointer: %w", err)
		}
		expected := metadata.Version(0)
		if cur.Exists {
			var prev Pointer
			if json.Unmarshal(cur.Value, &prev) == nil && prev.StartedAt.After(r.StartedAt) {
				return nil
			}
			expected = cur.Version
		}
		_, err = a.meta.Put(ctx, ptrKey, value, metadata.WithExpectedVersion(expected))
		if errors.Is(err, metadata.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("report: write latest pointer: %w", err)
		}
		return nil
	}
	return fmt.Errorf("report: latest pointer for %s kept changing", r.Kind)
}

// Latest returns the pointer to the newest report of a kind.
func (a *Archiver) Latest(ctx context.Context, kind string) (Pointer, error) {
	if a.meta == nil {
		return Pointer{}, ErrNoReport
	}
	res, err := a.meta.Get(ctx, keys.LatestReportKeyPath(kind))
	if err != nil {
		return Pointer{}, err
	}
	if !res.Exists {
		return Pointer{}, ErrNoReport
	}
	var p Pointer
	if err := json.Unmarshal(res.Value, &p); err != nil {
		return Pointer{}, fmt.Errorf("report: decode pointer: %w", err)
	}
	return p, nil
}

// Stat returns the stored object's metadata for a report key. A pointer to
// a report deleted out of band yields ErrNoReport.
func (a *Archiver) Stat(ctx context.Context, key string) (objectstore.ObjectMeta, error) {
	meta, err := a.store.Head(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return objectstore.ObjectMeta{}, fmt.Errorf("%w: %s", ErrNoReport, key)
	}
	return meta, err
}

// Load reads back an archived report. The encoding is taken from the key's
// extension.
func (a *Archiver) Load(ctx context.Context, key string) (reconcile.Report, error) {
	f, c, err := formatFromKey(key)
	if err != nil {
		return reconcile.Report{}, err
	}
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("report: read %s: %w", key, err)
	}
	return decode(f, c, data)
}

// List returns the keys of archived reports of a kind, oldest first.
func (a *Archiver) List(ctx context.Context, kind string) ([]string, error) {
	objs, err := a.store.List(ctx, a.kindPrefix(kind))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Key)
	}
	return out, nil
}

func formatFromKey(key string) (Format, Compression, error) {
	base := path.Base(key)
	if strings.HasSuffix(base, ".parquet") {
		return FormatParquet, CompressionNone, nil
	}
	ext := path.Ext(base)
	c := compressionFromExtension(ext)
	if c != CompressionNone {
		base = strings.TrimSuffix(base, ext)
	}
	if path.Ext(base) != ".json" {
		return "", "", fmt.Errorf("report: unrecognized report key %q", key)
	}
	return FormatJSON, c, nil
}

// Ensure Archiver implements reconcile.Sink.
var _ reconcile.Sink = (*Archiver)(nil)
