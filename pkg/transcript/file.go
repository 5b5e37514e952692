package transcript

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const textLayout = "2006-01-02 15:04:05"

// TextSink writes each line as two rows, source then target:
//
//	[2024-03-05 08:09:10] hello
//	[2024-03-05 08:09:10] 你好
type TextSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	loc    *time.Location
}

func NewTextSink(w io.Writer, loc *time.Location) *TextSink {
	if loc == nil {
		loc = time.UTC
	}
	return &TextSink{w: w, loc: loc}
}

// OpenTextSink opens path for appending, truncating it first when requested.
func OpenTextSink(path string, truncate bool, loc *time.Location) (*TextSink, error) {
	f, err := openAppend(path, truncate)
	if err != nil {
		return nil, err
	}
	s := NewTextSink(f, loc)
	s.closer = f
	return s, nil
}

func (s *TextSink) Emit(_ context.Context, line Line) error {
	ts := line.Timestamp.In(s.loc).Format(textLayout)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s] %s\n[%s] %s\n", ts, line.Src, ts, line.Dst)
	return err
}

func (s *TextSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// JSONLSink writes one JSON object per line through a slog JSON handler.
type JSONLSink struct {
	handler slog.Handler
	closer  io.Closer
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = io.Discard
	}
	return &JSONLSink{handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	})}
}

func OpenJSONLSink(path string, truncate bool) (*JSONLSink, error) {
	f, err := openAppend(path, truncate)
	if err != nil {
		return nil, err
	}
	s := NewJSONLSink(f)
	s.closer = f
	return s, nil
}

func (s *JSONLSink) Emit(ctx context.Context, line Line) error {
	rec := slog.NewRecord(line.Timestamp, slog.LevelInfo, "transcript", 0)
	rec.AddAttrs(
		slog.String("call_id", line.CallID),
		slog.String("src", line.Src),
		slog.String("dst", line.Dst),
	)
	return s.handler.Handle(ctx, rec)
}

func (s *JSONLSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func openAppend(path string, truncate bool) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create dir: %w", err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	return f, nil
}
