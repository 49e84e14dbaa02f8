package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rbrinkke/Vault/internal/lock"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// tailChunk bounds each backward read when recovering the last record hash.
const tailChunk = 8192

// maxLine caps a single ledger line during scans.
const maxLine = 4 << 20

// Ledger is the append-only, hash-chained audit log of one vault root.
// It holds no chain state between calls: every append recovers the previous
// hash from the tail of the file.
type Ledger struct {
	path     string
	lockPath string
	logger   *slog.Logger

	now   func() time.Time
	actor func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithActor overrides actor detection.
func WithActor(actor func() string) Option {
	return func(l *Ledger) { l.actor = actor }
}

// NewLedger opens the ledger for the given vault layout. The log file is
// created lazily on first append.
func NewLedger(vp paths.VaultPaths, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		path:     vp.AuditLog,
		lockPath: vp.AuditLock,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		actor:    DetectActor,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append chains rec onto the ledger under the audit lock and returns the
// record as written. Timestamp and actor are filled in when empty.
func (l *Ledger) Append(ctx context.Context, rec Record) (Record, error) {
	err := lock.With(l.lockPath, func() error {
		prev, err := l.tailHash()
		if err != nil {
			return err
		}

		if rec.Timestamp.IsZero() {
			rec.Timestamp = l.now()
		}
		rec.Timestamp = rec.Timestamp.UTC()
		if rec.Actor == "" {
			rec.Actor = l.actor()
		}
		rec.MetadataOnly = true
		rec.PrevHash = prev
		rec.HashVersion = HashVersion

		line, err := hashRecord(&rec)
		if err != nil {
			return schema.NewError(schema.ErrCodeIntegrity, "hash audit record").WithCause(err)
		}
		return l.appendLine(line)
	})
	if err != nil {
		return Record{}, err
	}

	l.logger.DebugContext(ctx, "audit record appended",
		"action", rec.Action, "entry_hash", rec.EntryHash)
	return rec, nil
}

func (l *Ledger) appendLine(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, paths.AuditLogMode)
	if err != nil {
		return schema.IOError("open audit log", l.path, err)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return schema.IOError("write audit log", l.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return schema.IOError("sync audit log", l.path, err)
	}
	if err := f.Close(); err != nil {
		return schema.IOError("close audit log", l.path, err)
	}

	if err := os.Chmod(l.path, paths.AuditLogMode); err != nil {
		return schema.IOError("chmod audit log", l.path, err)
	}
	return nil
}

// tailHash returns the chain link of the last non-blank line, reading the
// file backward in bounded chunks. An absent or empty log yields "".
func (l *Ledger) tailHash() (string, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", schema.IOError("open audit log", l.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", schema.IOError("stat audit log", l.path, err)
	}

	offset := info.Size()
	var buf []byte
	for offset > 0 {
		n := int64(tailChunk)
		if offset < n {
			n = offset
		}
		offset -= n

		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return "", schema.IOError("read audit log", l.path, err)
		}
		buf = append(chunk, buf...)

		trimmed := bytes.TrimRight(buf, " \t\r\n")
		if len(trimmed) == 0 {
			continue
		}
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return linkOf(trimmed[i+1:]), nil
		}
		if offset == 0 {
			return linkOf(trimmed), nil
		}
	}
	return "", nil
}

// linkOf is the hash a following record must carry as prev_hash.
func linkOf(line []byte) string {
	line = bytes.TrimSpace(line)
	if rec, _, err := decodeRecord(line); err == nil && rec.EntryHash != "" {
		return rec.EntryHash
	}
	return LineDigest(line)
}

// scan calls fn for each non-blank line with its 1-based line number.
// A missing file yields no lines.
func (l *Ledger) scan(fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return schema.IOError("open audit log", l.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return schema.IOError("read audit log", l.path, err)
	}
	return nil
}

// Read returns the records in append order. Malformed lines are skipped and
// counted. When limit > 0 only the last limit records are returned.
func (l *Ledger) Read(ctx context.Context, limit int) ([]Record, error) {
	var (
		records   []Record
		malformed int
	)
	err := l.scan(func(_ int, line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if malformed > 0 {
		l.logger.WarnContext(ctx, "malformed audit entries skipped", "count", malformed, "path", l.path)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Entry is a decoded ledger line together with its raw bytes. Seq numbers
// well-formed records from 1 in append order.
type Entry struct {
	Seq    int
	Line   int
	Raw    []byte
	Record Record
}

// Entries returns every well-formed record with its raw line, for exports
// that must preserve the exact bytes that were hashed.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	var (
		entries   []Entry
		malformed int
	)
	err := l.scan(func(lineNo int, line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			return nil
		}
		entries = append(entries, Entry{
			Seq:    len(entries) + 1,
			Line:   lineNo,
			Raw:    bytes.Clone(line),
			Record: rec,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if malformed > 0 {
		l.logger.WarnContext(ctx, "malformed audit entries skipped", "count", malformed, "path", l.path)
	}
	return entries, nil
}

// Verification is the outcome of a chain walk.
type Verification struct {
	Total      int      `json:"total"`
	Malformed  int      `json:"malformed"`
	Violations []string `json:"violations"`
}

// OK reports whether the chain verified without violations.
func (v Verification) OK() bool {
	return len(v.Violations) == 0
}

// VerifyChain walks every record and reports all chain and content-hash
// violations. Entries are numbered from 1 in record order. A line that
// carries chain fields but lacks timestamp or action is still hash-checked
// and reported; only lines with neither are skipped as malformed.
//
// For a record at the current hash version, the link checked against the
// next record's prev_hash is the recomputed content hash rather than the
// stored one, so an edited record breaks both its own check and the next
// record's link.
func (l *Ledger) VerifyChain(ctx context.Context) (Verification, error) {
	var (
		res  = Verification{Violations: []string{}}
		link string
	)
	err := l.scan(func(_ int, line []byte) error {
		rec, complete, err := decodeRecord(line)
		if err != nil || (!complete && !rec.chained()) {
			res.Malformed++
			return nil
		}
		res.Total++
		n := res.Total

		if !complete {
			res.Violations = append(res.Violations, fmt.Sprintf("entry %d: timestamp or action missing", n))
		}

		if n > 1 && rec.PrevHash != link {
			res.Violations = append(res.Violations, fmt.Sprintf(
				"entry %d: prev_hash mismatch (expected %s, got %s)", n, orNone(link), orNone(rec.PrevHash)))
		}

		switch {
		case rec.HashVersion == HashVersion && rec.EntryHash == "":
			res.Violations = append(res.Violations, fmt.Sprintf("entry %d: entry_hash missing", n))
			link = LineDigest(line)
		case rec.HashVersion == HashVersion:
			computed, err := EntryHash(line)
			if err != nil {
				res.Violations = append(res.Violations, fmt.Sprintf("entry %d: cannot compute hash: %v", n, err))
				link = rec.EntryHash
				return nil
			}
			if computed != rec.EntryHash {
				res.Violations = append(res.Violations, fmt.Sprintf("entry %d: entry_hash mismatch (tampered?)", n))
			}
			link = computed
		case rec.EntryHash != "":
			link = rec.EntryHash
		default:
			link = LineDigest(line)
		}
		return nil
	})
	if err != nil {
		return Verification{}, err
	}

	if res.Malformed > 0 {
		l.logger.WarnContext(ctx, "malformed audit entries skipped", "count", res.Malformed, "path", l.path)
	}
	return res, nil
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
