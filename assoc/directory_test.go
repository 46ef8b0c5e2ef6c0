package assoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAEDirectory(t *testing.T) {
	raw := []byte(`
- ae_title: STORE_SCP
  address: 10.0.0.5
  port: 11112
- ae_title: ARCHIVE
  address: pacs.example.org
  port: 104
`)
	d, err := ParseAEDirectory(raw)
	require.NoError(t, err)

	entry, ok := d.Lookup("STORE_SCP")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", entry.Address)
	assert.Equal(t, 11112, entry.Port)

	_, ok = d.Lookup("UNKNOWN")
	assert.False(t, ok)
}

func TestParseAEDirectory_Invalid(t *testing.T) {
	_, err := ParseAEDirectory([]byte("ae_title: [unbalanced"))
	require.Error(t, err)
}

func TestAEDirectory_AddReplaces(t *testing.T) {
	d := NewAEDirectory()
	d.Add(AEEntry{AETitle: "X", Address: "a", Port: 1})
	d.Add(AEEntry{AETitle: "X", Address: "b", Port: 2})
	entry, ok := d.Lookup("X")
	require.True(t, ok)
	assert.Equal(t, "b", entry.Address)
}
