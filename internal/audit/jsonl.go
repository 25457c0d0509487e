package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// FileSink appends records as zstd-compressed JSON lines, one file per UTC
// hour: <dir>/<prefix>-2006-01-02-15.jsonl.zst.
type FileSink struct {
	dir    string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewFileSink creates a sink rooted at dir. Files are opened lazily.
func NewFileSink(dir, prefix string) *FileSink {
	if prefix == "" {
		prefix = "crafts"
	}
	return &FileSink{dir: dir, prefix: prefix, now: time.Now}
}

// Append writes every record and flushes the compressed frame so the batch
// is on disk when Append returns. The batch is encoded up front, so a record
// that fails to encode leaves the file untouched.
func (s *FileSink) Append(_ context.Context, records []Record) error {
	var buf bytes.Buffer
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hour := s.now().UTC().Format("2006-01-02-15")
	if hour != s.curHour || s.w == nil {
		if err := s.rotateLocked(hour); err != nil {
			return err
		}
	}

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		s.abandonLocked()
		return err
	}
	if err := s.w.Flush(); err != nil {
		s.abandonLocked()
		return err
	}
	return s.enc.Flush()
}

// abandonLocked drops whatever is still buffered after a failed write and
// closes the file; the next Append reopens it.
func (s *FileSink) abandonLocked() {
	s.w.Reset(s.enc)
	_ = s.closeLocked()
}

// Close flushes and closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *FileSink) rotateLocked(hour string) error {
	if err := s.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.enc = enc
	s.w = bufio.NewWriterSize(enc, 64*1024)
	s.curHour = hour
	return nil
}

func (s *FileSink) closeLocked() error {
	var err error
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.enc != nil {
		err = s.enc.Close()
		s.enc = nil
	}
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	s.w = nil
	return err
}

func (s *FileSink) pathForHour(hour string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.jsonl.zst", s.prefix, hour))
}

// ReadFile decodes every record in one sink file. Used by moderation tooling
// and tests.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Record
	jd := json.NewDecoder(dec)
	for jd.More() {
		var rec Record
		if err := jd.Decode(&rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
