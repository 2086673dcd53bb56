// Package atomicio provides crash-safe file primitives: write-temp-then-
// rename for whole files and read-modify-rewrite for JSONL indexes.
// Readers observe either the previous contents or the new contents,
// never a partial write.
package atomicio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// WriteFile writes data to path atomically, creating parent directories.
// On any error the target is left untouched.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "mkdir %s", dir)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString()[:8])
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return eris.Wrapf(err, "rename %s", path)
	}
	return nil
}

// WriteJSON marshals v pretty-printed (2-space indent, trailing newline)
// and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "marshal %s", path)
	}
	return WriteFile(path, append(data, '\n'))
}

// ReadJSON reads path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

// UpsertOptions tune JSONL rewrites.
type UpsertOptions struct {
	// SortByField, when set, re-sorts records by this string field,
	// descending, before the rewrite. Used for threads.jsonl (last_date).
	SortByField string
	// MaxRecords caps the file after sorting; 0 means no cap.
	MaxRecords int
}

// jsonl files are rewritten whole; a per-path mutex serializes writers
// within the process (cross-process writers are forbidden by the PID file).
var (
	lockMu sync.Mutex
	locks  = map[string]*sync.Mutex{}
)

func pathLock(path string) *sync.Mutex {
	lockMu.Lock()
	defer lockMu.Unlock()
	l, ok := locks[path]
	if !ok {
		l = &sync.Mutex{}
		locks[path] = l
	}
	return l
}

// UpsertJSONL replaces-or-appends record in the JSONL file at path,
// matching on keyField, then rewrites the file atomically.
func UpsertJSONL(path string, record map[string]any, keyField string, opts UpsertOptions) error {
	l := pathLock(path)
	l.Lock()
	defer l.Unlock()

	key, ok := record[keyField].(string)
	if !ok || key == "" {
		return eris.Errorf("jsonl upsert: record missing key field %q", keyField)
	}

	records, err := ReadJSONL(path)
	if err != nil {
		return err
	}

	replaced := false
	for i, r := range records {
		if k, _ := r[keyField].(string); k == key {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}

	if opts.SortByField != "" {
		field := opts.SortByField
		sort.SliceStable(records, func(i, j int) bool {
			a, _ := records[i][field].(string)
			b, _ := records[j][field].(string)
			return a > b
		})
	}
	if opts.MaxRecords > 0 && len(records) > opts.MaxRecords {
		records = records[:opts.MaxRecords]
	}

	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "jsonl marshal")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return WriteFile(path, buf.Bytes())
}

// UpsertJSONLValue marshals v to a generic record and upserts it.
func UpsertJSONLValue(path string, v any, keyField string, opts UpsertOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "jsonl marshal")
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return eris.Wrap(err, "jsonl remarshal")
	}
	return UpsertJSONL(path, record, keyField, opts)
}

// ReadJSONL parses a JSONL file into generic records. A missing file
// yields an empty slice. Blank lines are skipped; a malformed line is an
// error (the file is ours and always whole).
func ReadJSONL(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, eris.Wrapf(err, "parse %s", path)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return records, nil
}
