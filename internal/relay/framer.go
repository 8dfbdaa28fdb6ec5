// Package relay turns Ollama's newline-delimited JSON chat stream into
// ordered events and republishes them over WebSocket sessions.
package relay

import (
	"bytes"
	"encoding/json"
)

// Framer reassembles JSON objects from arbitrarily split upstream chunks.
//
// An object span starts at '{' and ends at the next '\n'. A span that does
// not parse is dropped by resuming the scan one byte past its '{'. After
// every Feed the buffer starts at the pending '{' (or is empty).
//
// A Framer is owned by a single stream and is not safe for concurrent use.
type Framer struct {
	buf []byte
	// nlFrom is the offset in buf where the newline search for the pending
	// span resumes: buf[1:nlFrom] is known to contain no '\n'.
	nlFrom  int
	skipped int
}

// Feed appends chunk to the buffer and returns every complete object span
// discovered, in order. Returned slices do not alias the buffer.
func (f *Framer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var (
		out    [][]byte
		pos    int
		lastNL = -1 // newline that ended the previous span, if any
	)
	for {
		i := bytes.IndexByte(f.buf[pos:], '{')
		if i < 0 {
			pos = len(f.buf)
			f.nlFrom = 0
			break
		}
		start := pos + i

		end := -1
		switch {
		case start < lastNL:
			// A failed span left us inside its own line.
			end = lastNL
		default:
			from := start + 1
			if start == 0 && f.nlFrom > from {
				from = f.nlFrom
			}
			if j := bytes.IndexByte(f.buf[from:], '\n'); j >= 0 {
				end = from + j
			}
		}
		if end < 0 {
			pos = start
			f.nlFrom = len(f.buf) - start
			break
		}
		f.nlFrom = 0
		lastNL = end

		span := bytes.TrimRight(f.buf[start:end], " \t\r")
		if json.Valid(span) {
			out = append(out, bytes.Clone(span))
			pos = end + 1
			continue
		}
		f.skipped++
		pos = start + 1
	}

	f.buf = append(f.buf[:0], f.buf[pos:]...)
	return out
}

// Buffered returns the number of bytes held for the pending span.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Skipped returns how many malformed spans have been dropped so far.
func (f *Framer) Skipped() int {
	return f.skipped
}
