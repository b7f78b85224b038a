package scanner

import (
	"bytes"
	"io"
	"os"
	"strings"
)

const readChunk = 8 * 1024

// LastLines returns up to n complete lines from the end of the file at path,
// oldest first. It reads backwards in chunks and never loads more of the
// file than needed.
func LastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return LinesBefore(f, info.Size(), n)
}

// LinesBefore returns up to n lines that end at or before offset end of r.
func LinesBefore(r io.ReaderAt, end int64, n int) ([]string, error) {
	if n <= 0 || end <= 0 {
		return nil, nil
	}

	var buf []byte
	pos := end
	for pos > 0 {
		step := int64(readChunk)
		if step > pos {
			step = pos
		}
		pos -= step
		chunk := make([]byte, step)
		if _, err := r.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(chunk, buf...)
		if countBreaks(trimBreak(buf)) >= n {
			break
		}
	}

	return SplitLines(buf, n), nil
}

// SplitLines splits raw log bytes into at most the last n lines. "\n",
// "\r\n" and a lone "\r" each end a line; a single trailing terminator does
// not produce an empty line. Invalid UTF-8 is dropped.
func SplitLines(buf []byte, n int) []string {
	var parts [][]byte
	for len(buf) > 0 {
		i := bytes.IndexAny(buf, "\r\n")
		if i < 0 {
			parts = append(parts, buf)
			break
		}
		parts = append(parts, buf[:i])
		buf = buf[i+breakWidth(buf, i):]
	}
	if len(parts) == 0 {
		return nil
	}
	if n > 0 && len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = cleanLine(p)
	}
	return lines
}

// CutLines splits data into its complete lines and the unterminated rest.
// A trailing "\r" counts as a line end.
func CutLines(data []byte) ([]string, []byte) {
	end := bytes.LastIndexAny(data, "\r\n")
	if end < 0 {
		return nil, data
	}
	return SplitLines(data[:end+1], 0), data[end+1:]
}

// CountLines returns the number of lines in the file at path, using the
// same line ends as SplitLines.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	total := 0
	prevCR := false
	partial := false
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				total++
				partial = false
			case '\n':
				if !prevCR {
					total++
				}
				partial = false
			default:
				partial = true
			}
			prevCR = c == '\r'
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if partial {
		total++ // unterminated final line
	}
	return total, nil
}

// breakWidth is the length of the terminator starting at b[i].
func breakWidth(b []byte, i int) int {
	if b[i] == '\r' && i+1 < len(b) && b[i+1] == '\n' {
		return 2
	}
	return 1
}

// countBreaks counts line terminators, "\r\n" once.
func countBreaks(b []byte) int {
	n := 0
	for i, c := range b {
		switch {
		case c == '\r':
			n++
		case c == '\n' && (i == 0 || b[i-1] != '\r'):
			n++
		}
	}
	return n
}

// trimBreak drops one trailing terminator.
func trimBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		return b[:len(b)-1]
	}
	return b
}

func cleanLine(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}
