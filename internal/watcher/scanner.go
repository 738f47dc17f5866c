package watcher

import (
	"bufio"
	"io"
	"io/fs"
	"strings"
)

// Scan reads entry.Name from fsys and evaluates every line past entry.Offset
// for marker. It returns the 1-based numbers of the newly evaluated lines
// that contain marker and advances entry.Offset to the last line read.
//
// Lines at or below the offset are read but not evaluated. If the file now
// has fewer lines than the offset, nothing is evaluated and the offset is
// left alone. On a read error the matches found so far are returned with the
// error; the offset keeps every line that was evaluated before the failure.
// The file is closed before Scan returns.
func Scan(fsys fs.FS, entry *Entry, marker string) ([]int, error) {
	f, err := fsys.Open(entry.Name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []int
	lines := newLineReader(f)
	for lines.Next() {
		n := lines.Number()
		if n <= entry.Offset {
			continue
		}
		if strings.Contains(lines.Text(), marker) {
			matches = append(matches, n)
		}
		entry.Offset = n
	}
	return matches, lines.Err()
}

// lineReader yields the lines of r one at a time. A line ends at "\n",
// "\r\n" or a lone "\r"; a final unterminated line still counts. Unlike
// bufio.Scanner it has no maximum line length.
type lineReader struct {
	r *bufio.Reader
	// pending holds lines already split out of the last chunk read.
	pending []string
	text    string
	n       int
	err     error
	done    bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// Next advances to the next line. It returns false at end of input or on
// error; Err distinguishes the two.
func (l *lineReader) Next() bool {
	if len(l.pending) == 0 {
		if !l.fill() {
			return false
		}
	}
	l.text, l.pending = l.pending[0], l.pending[1:]
	l.n++
	return true
}

// fill reads up to the next "\n" and splits the chunk on lone "\r"s. A
// "\r\n" pair never straddles two chunks because reads stop at "\n".
func (l *lineReader) fill() bool {
	if l.done {
		return false
	}
	s, err := l.r.ReadString('\n')
	if err != nil {
		l.done = true
		if err != io.EOF {
			l.err = err
			return false
		}
		if s == "" {
			return false
		}
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	l.pending = strings.Split(s, "\r")
	return true
}

// Number returns the 1-based number of the current line.
func (l *lineReader) Number() int { return l.n }

// Text returns the current line without its terminator.
func (l *lineReader) Text() string { return l.text }

// Err returns the first non-EOF read error.
func (l *lineReader) Err() error { return l.err }
