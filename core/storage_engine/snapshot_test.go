package storageengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotxn/core/transaction"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database")
	table := EmptyTable()
	table['A'] = 5
	table['b'] = -42
	table['#'] = 0
	table[0x7f] = 1 << 40

	require.NoError(t, WriteSnapshot(path, &table))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "# 0\nA 5\nb -42\n\x7f 1099511627776\n", string(raw))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, table, loaded)
}

func TestSnapshot_OnlyAssignedVariablesWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database")
	table := EmptyTable()
	require.NoError(t, WriteSnapshot(path, &table))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestSnapshot_MissingFileIsEmptyTable(t *testing.T) {
	loaded, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Equal(t, EmptyTable(), loaded)
	require.Equal(t, transaction.Unassigned, loaded['A'])
}

func TestSnapshot_ReplaceLeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "database")
	table := EmptyTable()
	for i := int64(0); i < 3; i++ {
		table['A'] = i
		require.NoError(t, WriteSnapshot(path, &table))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "database", entries[0].Name())

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, int64(2), loaded['A'])
}

func TestSnapshot_CorruptLines(t *testing.T) {
	cases := map[string]string{
		"no separator": "A5\n",
		"no value":     "A \n",
		"not a number": "A five\n",
		"long id":      "AB 5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "database")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := LoadSnapshot(path)
			require.ErrorIs(t, err, ErrSnapshotCorrupt)
		})
	}
}

func TestSnapshot_WithoutTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database")
	require.NoError(t, os.WriteFile(path, []byte("A 1\nB 2"), 0o644))
	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, int64(1), loaded['A'])
	require.Equal(t, int64(2), loaded['B'])
}

func TestSnapshot_WriteIntoMissingDirectoryFails(t *testing.T) {
	table := EmptyTable()
	err := WriteSnapshot(filepath.Join(t.TempDir(), "missing", "database"), &table)
	require.Error(t, err)
}
