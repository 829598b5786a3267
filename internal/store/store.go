// Package store appends JSON records to line-oriented files with bounded
// rotation.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Rotation limits. A file is rotated before an append would exceed either
// bound; at most MaxRotations old generations (path.1 .. path.N) are kept.
var (
	MaxLinesPerFile = 100_000
	MaxBytesPerFile = int64(64 << 20)
	MaxRotations    = 4
)

const maxLineSize = 2 << 20

var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

func pathLock(path string) *sync.Mutex {
	locksMu.Lock()
	defer locksMu.Unlock()
	mu := locks[path]
	if mu == nil {
		mu = &sync.Mutex{}
		locks[path] = mu
	}
	return mu
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL encodes v as one line and appends it to path, fsyncing before
// returning.
func AppendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if len(line) > maxLineSize {
		return fmt.Errorf("store: record of %d bytes exceeds line limit", len(line))
	}

	mu := pathLock(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfNeeded(path, int64(len(line))); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func rotateIfNeeded(path string, incoming int64) error {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return nil
	}
	over := MaxBytesPerFile > 0 && st.Size()+incoming > MaxBytesPerFile
	if !over && MaxLinesPerFile > 0 {
		n, err := countLines(path)
		if err != nil {
			return err
		}
		over = n >= MaxLinesPerFile
	}
	if !over {
		return nil
	}
	return rotate(path)
}

func rotate(path string) error {
	if MaxRotations <= 0 {
		return os.Truncate(path, 0)
	}
	_ = os.Remove(generation(path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		if err := os.Rename(generation(path, i), generation(path, i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(path, generation(path, 1)); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func generation(path string, i int) string {
	return path + "." + strconv.Itoa(i)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	buf := make([]byte, 32*1024)
	n := 0
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// Files lists path and its rotated generations, oldest first, skipping
// those that do not exist.
func Files(path string) []string {
	var out []string
	for i := MaxRotations; i >= 1; i-- {
		p := generation(path, i)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	if _, err := os.Stat(path); err == nil {
		out = append(out, path)
	}
	return out
}

// ReadJSONL calls fn with every line of path and its rotated generations,
// oldest first. Lines fn rejects with an error stop the scan.
func ReadJSONL(path string, fn func(line []byte) error) error {
	mu := pathLock(path)
	mu.Lock()
	defer mu.Unlock()
	for _, p := range Files(path) {
		if err := readFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
