package supervisor

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
)

const maxLineBytes = 16 * 1024

// lineWriter splits process output into lines for the log sink.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func (s *Supervisor) newLineWriter(spec Spec, level string) *lineWriter {
	return &lineWriter{emit: func(line string) {
		if s.logs == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.logs.Append(ctx, domain.LogEntry{
			SiteID:  spec.SiteID,
			Source:  domain.LogSourceRuntime,
			Level:   level,
			Message: line,
		})
	}}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(idx+1), "\r\n"))
		w.emit(line)
	}
	if w.buf.Len() > maxLineBytes {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return len(p), nil
}
