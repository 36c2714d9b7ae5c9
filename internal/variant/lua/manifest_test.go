package lua

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rtosview/internal/renderer/table"
)

const toyManifest = `
name: Toy
script: toy.lua
fill_byte: 0xa5
columns:
  - {field: Name, width: 3}
  - {field: StackStart, width: 1, header1: Stack, header2: Start}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest("variants/toy.yaml", []byte(toyManifest))
	require.NoError(t, err)

	assert.Equal(t, "Toy", m.Name)
	require.NotNil(t, m.FillByte)
	assert.Equal(t, uint8(0xa5), *m.FillByte)
	assert.Equal(t, []string{"Name", "StackStart"}, m.Fields())
	assert.Equal(t, table.Schema{
		"Name":       {Width: 3, Header1: "Name"},
		"StackStart": {Width: 1, Header1: "Stack", Header2: "Start"},
	}, m.Schema())
	assert.True(t, m.HasColumn("StackStart"))
	assert.False(t, m.HasColumn("StackPeak"))
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no name", "script: x.lua\ncolumns: [{field: A}]"},
		{"no script", "name: X\ncolumns: [{field: A}]"},
		{"no columns", "name: X\nsource: 'function detect() end'"},
		{"duplicate column", "name: X\nsource: x\ncolumns: [{field: A}, {field: A}]"},
		{"negative width", "name: X\nsource: x\ncolumns: [{field: A, width: -1}]"},
		{"bad yaml", "name: [X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest("bad.yaml", []byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestLoadSource_RelativeToManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "toy.lua", "-- toy")
	path := writeFile(t, dir, "toy.yaml", toyManifest)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	src, err := m.LoadSource()
	require.NoError(t, err)
	assert.Equal(t, "-- toy", src)
}

func TestLoadSource_Inline(t *testing.T) {
	m := &Manifest{Name: "X", Source: "return 1"}
	src, err := m.LoadSource()
	require.NoError(t, err)
	assert.Equal(t, "return 1", src)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: Alpha\nsource: x\ncolumns: [{field: A}]")
	writeFile(t, dir, "b.yml", "name: Beta\nsource: x\ncolumns: [{field: B}]")
	writeFile(t, dir, "notes.txt", "ignored")

	all, err := LoadDir(dir, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Name)
	assert.Equal(t, "Beta", all[1].Name)

	enabled, err := LoadDir(dir, []string{"Beta", "Alpha"})
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "Beta", enabled[0].Name)
	assert.Equal(t, "Alpha", enabled[1].Name)

	only, err := LoadDir(dir, []string{"Beta"})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "Beta", only[0].Name)
}

func TestLoadDir_ReportsBadManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", "name: Good\nsource: x\ncolumns: [{field: A}]")
	writeFile(t, dir, "bad.yaml", "name: Bad")

	ms, err := LoadDir(dir, nil)
	assert.ErrorIs(t, err, ErrInvalidManifest)
	require.Len(t, ms, 1)
	assert.Equal(t, "Good", ms[0].Name)
}

func TestBundledVariants(t *testing.T) {
	ms, err := LoadDir(filepath.Join("..", "..", "..", "variants"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	for _, m := range ms {
		v, err := New(m, nil, Options{})
		require.NoError(t, err, m.Name)
		assert.NoError(t, v.Close())
	}
}
