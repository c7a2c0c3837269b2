// Package audit persists the append-only decision, decision-audit and
// control-audit trails as daily JSONL files, with streaming tail reads
// and an optional Postgres sink for control events.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// appendJSONL appends one JSON-encoded record plus newline to path,
// creating parent directories on first write.
func appendJSONL(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir jsonl dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open jsonl file: %w", err)
	}
	defer f.Close()
	raw = append(raw, '\n')
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("append jsonl record: %w", err)
	}
	return nil
}

// tailJSONL reads up to limit records from the end of path, newest
// last. Partial trailing lines and malformed lines are skipped, so a
// reader racing the writer never fails.
func tailJSONL(path string, limit int, decode func([]byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	// Read backwards in chunks until enough complete lines are seen.
	const chunk = 64 * 1024
	var buf []byte
	offset := size
	lines := 0
	for offset > 0 && (limit <= 0 || lines <= limit) {
		readLen := int64(chunk)
		if offset < readLen {
			readLen = offset
		}
		offset -= readLen
		part := make([]byte, readLen)
		if _, err := f.ReadAt(part, offset); err != nil && err != io.EOF {
			return err
		}
		buf = append(part, buf...)
		lines = bytes.Count(buf, []byte{'\n'})
	}

	rawLines := bytes.Split(buf, []byte{'\n'})
	// The buffer may start mid-line when the file was larger than the
	// window; the first fragment is dropped unless we read from zero.
	if offset > 0 && len(rawLines) > 0 {
		rawLines = rawLines[1:]
	}

	taken := 0
	for i := len(rawLines) - 1; i >= 0 && (limit <= 0 || taken < limit); i-- {
		line := bytes.TrimSpace(rawLines[i])
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		if decode(line) {
			taken++
		}
	}
	return nil
}

// dayFiles lists the *.jsonl files of dir in reverse filename order,
// which is reverse day order for YYYY-MM-DD names.
func dayFiles(dir string) []string {
	entries, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(entries)))
	return entries
}
