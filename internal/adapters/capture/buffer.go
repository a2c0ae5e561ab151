// Package capture holds helpers for collecting subprocess output.
package capture

import (
	"bytes"
	"fmt"
	"sync"
)

// Buffer keeps the first limit bytes written to it and silently discards
// the rest so a chatty tool cannot exhaust memory.
type Buffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.truncated {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n... (output truncated at %d bytes)", b.buf.String(), b.limit)
}
