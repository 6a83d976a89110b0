package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Trace file kinds.
const (
	TraceKindScalar  = "trace"
	TraceKindSpatial = "spatial"
)

// TraceFiles keeps one append-only JSON array file per simulation and kind
// under dir: <id>.trace.json for scalar chunks, <id>.spatial.json for
// spatial steps. Each file is a valid JSON array after every append.
type TraceFiles struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTraceFiles creates dir if needed.
func NewTraceFiles(dir string) (*TraceFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace dir %s: %w", dir, err)
	}
	return &TraceFiles{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the file of a simulation for kind.
func (t *TraceFiles) Path(simID, kind string) (string, error) {
	if simID == "" || strings.ContainsAny(simID, `/\`) || simID == "." || simID == ".." {
		return "", fmt.Errorf("invalid simulation id %q for trace file", simID)
	}
	return filepath.Join(t.dir, simID+"."+kind+".json"), nil
}

func (t *TraceFiles) lock(path string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[path]
	if !ok {
		l = &sync.Mutex{}
		t.locks[path] = l
	}
	return l
}

// Seed writes an empty array to both files of simID, replacing any content.
func (t *TraceFiles) Seed(simID string) error {
	for _, kind := range []string{TraceKindScalar, TraceKindSpatial} {
		path, err := t.Path(simID, kind)
		if err != nil {
			return err
		}
		l := t.lock(path)
		l.Lock()
		err = os.WriteFile(path, []byte("[]"), 0o644)
		l.Unlock()
		if err != nil {
			return fmt.Errorf("seeding %s: %w", path, err)
		}
	}
	return nil
}

// Append adds one JSON element to the array file of simID/kind. A missing
// file is created. A file that does not end in ']' gets the element
// appended at EOF unchanged.
func (t *TraceFiles) Append(simID, kind string, elem []byte) error {
	path, err := t.Path(simID, kind)
	if err != nil {
		return err
	}
	l := t.lock(path)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return writeAt(f, 0, '[', elem)
	}

	closing, empty, err := findClosingBracket(f, size)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if closing < 0 {
		if _, err := f.WriteAt(elem, size); err != nil {
			return fmt.Errorf("appending to %s: %w", path, err)
		}
		return nil
	}

	if err := f.Truncate(closing); err != nil {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	if empty {
		buf := append(append([]byte{}, elem...), ']')
		_, err = f.WriteAt(buf, closing)
	} else {
		err = writeAt(f, closing, ',', elem)
	}
	if err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

func writeAt(f *os.File, off int64, lead byte, elem []byte) error {
	buf := make([]byte, 0, len(elem)+2)
	buf = append(buf, lead)
	buf = append(buf, elem...)
	buf = append(buf, ']')
	_, err := f.WriteAt(buf, off)
	return err
}

// findClosingBracket locates the final ']' ignoring trailing whitespace.
// It returns -1 when the file does not end in ']'. empty reports whether
// the bracket closes an empty array.
func findClosingBracket(f *os.File, size int64) (pos int64, empty bool, err error) {
	const window = 256
	start := size - window
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return 0, false, err
	}

	tail := bytes.TrimRight(buf, " \t\r\n")
	if len(tail) == 0 || tail[len(tail)-1] != ']' {
		return -1, false, nil
	}
	pos = start + int64(len(tail)-1)
	before := bytes.TrimRight(tail[:len(tail)-1], " \t\r\n")
	empty = start == 0 && bytes.Equal(bytes.TrimSpace(before), []byte("["))
	return pos, empty, nil
}

// Read returns the raw bytes of a trace file, corrupt or not.
func (t *TraceFiles) Read(simID, kind string) ([]byte, error) {
	path, err := t.Path(simID, kind)
	if err != nil {
		return nil, err
	}
	l := t.lock(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Remove deletes both files of simID. Missing files are ignored.
func (t *TraceFiles) Remove(simID string) error {
	for _, kind := range []string{TraceKindScalar, TraceKindSpatial} {
		path, err := t.Path(simID, kind)
		if err != nil {
			return err
		}
		l := t.lock(path)
		l.Lock()
		err = os.Remove(path)
		l.Unlock()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}

		t.mu.Lock()
		delete(t.locks, path)
		t.mu.Unlock()
	}
	return nil
}
