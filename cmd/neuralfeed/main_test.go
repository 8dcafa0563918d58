package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBatch(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	items, err := readBatch(write("array.json", `[{"id":"a","title":"A","type":"article"}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)

	items, err = readBatch(write("wrapped.json", `{"items":[{"id":"b"},{"id":"c"}]}`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = readBatch(write("bad.json", `not json`))
	assert.Error(t, err)

	_, err = readBatch(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "mcp", "ingest", "ask"} {
		assert.True(t, names[want], want)
	}
}
