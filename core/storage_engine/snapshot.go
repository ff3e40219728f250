package storageengine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// Table is the committed value of every variable id.
type Table [transaction.NumVariables]int64

// EmptyTable returns a table with every variable unassigned.
func EmptyTable() Table {
	var t Table
	for i := range t {
		t[i] = transaction.Unassigned
	}
	return t
}

// WriteSnapshot rewrites path with one "<char> <value>" line per assigned
// variable. The file is replaced atomically: readers see either the previous
// snapshot or the new one.
func WriteSnapshot(path string, table *Table) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	for id, v := range table {
		if v == transaction.Unassigned {
			continue
		}
		w.WriteByte(byte(id))
		w.WriteByte(' ')
		w.WriteString(strconv.FormatInt(v, 10))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace snapshot %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by WriteSnapshot. A missing file is
// an all-unassigned table.
func LoadSnapshot(path string) (Table, error) {
	table := EmptyTable()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return table, nil
	}
	if err != nil {
		return table, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if perr := parseSnapshotLine(&table, line); perr != nil {
				return EmptyTable(), fmt.Errorf("%s line %d: %w", path, lineNo, perr)
			}
		}
		if err == io.EOF {
			return table, nil
		}
		if err != nil {
			return EmptyTable(), fmt.Errorf("failed to read snapshot %s: %w", path, err)
		}
	}
}

// parseSnapshotLine does not trim: the variable id may itself be any byte
// other than space or newline.
func parseSnapshotLine(table *Table, line string) error {
	if line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) < 3 || line[1] != ' ' {
		return ErrSnapshotCorrupt
	}
	v, err := strconv.ParseInt(line[2:], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	table[line[0]] = v
	return nil
}
