package launcher

import "bytes"

// lineBuffer reassembles complete lines from arbitrarily sized stream
// chunks. A chunk may end mid-line; the trailing partial segment is held
// until the next chunk (or Flush) completes it.
type lineBuffer struct {
	pending []byte
}

// Write consumes one chunk and returns every line it completed, without
// trailing newlines. A trailing "\r" from CRLF endings is stripped.
func (b *lineBuffer) Write(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := b.pending[:idx]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		lines = append(lines, string(line))
		b.pending = b.pending[idx+1:]
	}
	return lines
}

// Flush returns any buffered partial line. Called once at stream end so a
// final line without a newline is not lost.
func (b *lineBuffer) Flush() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(b.pending, []byte{'\r'}))
	b.pending = nil
	return line, true
}
