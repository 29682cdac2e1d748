package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// RawLogger dumps USB/IP traffic as hex, one line per read or write.
type RawLogger interface {
	// Log records data; in=true is client->server, in=false is server->client.
	Log(in bool, data []byte)
}

type rawLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewRaw returns a RawLogger writing to w. A nil w discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// OpenRaw appends raw dumps to the file at path.
func OpenRaw(path string) (RawLogger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open raw log: %w", err)
	}
	return NewRaw(f), f, nil
}

func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}

	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}

	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05.000"), dir, len(data), sb.String())

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}
