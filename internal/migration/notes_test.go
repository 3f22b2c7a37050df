package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotes(t *testing.T) {
	src := `Loose intro paragraph
spanning two lines.

# Auth

- Use JWT for service tokens
- Rotate signing keys monthly
  with one week of overlap
* Refresh tokens live 30 days #security

## Storage Notes

SQLite runs in WAL mode.

` + "```sql\nPRAGMA journal_mode=WAL;\n\nPRAGMA synchronous=NORMAL;\n```" + `

# Misc

1. Buy coffee
2) Call Alice
`

	entries := ParseNotes(src)
	require.Len(t, entries, 8)

	assert.Equal(t, "Loose intro paragraph\nspanning two lines.", entries[0].Text)
	assert.Empty(t, entries[0].Tags)

	assert.Equal(t, "Use JWT for service tokens", entries[1].Text)
	assert.Equal(t, []string{"auth"}, entries[1].Tags)

	assert.Equal(t, "Rotate signing keys monthly\nwith one week of overlap", entries[2].Text)

	assert.Equal(t, "Refresh tokens live 30 days #security", entries[3].Text)
	assert.Equal(t, []string{"auth", "security"}, entries[3].Tags)

	assert.Equal(t, "SQLite runs in WAL mode.", entries[4].Text)
	assert.Equal(t, []string{"auth", "storage-notes"}, entries[4].Tags)

	assert.Contains(t, entries[5].Text, "PRAGMA journal_mode=WAL;\n\nPRAGMA synchronous=NORMAL;")
	assert.Equal(t, []string{"auth", "storage-notes"}, entries[5].Tags)

	// a new level-1 heading resets the nested one
	assert.Equal(t, "Buy coffee", entries[6].Text)
	assert.Equal(t, []string{"misc"}, entries[6].Tags)
	assert.Equal(t, "Call Alice", entries[7].Text)
}

func TestParseNotes_Empty(t *testing.T) {
	assert.Empty(t, ParseNotes(""))
	assert.Empty(t, ParseNotes("\n\n# Only a heading\n\n"))
}

func TestParseNotes_UnterminatedFence(t *testing.T) {
	entries := ParseNotes("before\n\n```\ncode without end\n\nmore code")
	require.Len(t, entries, 2)
	assert.Equal(t, "before", entries[0].Text)
	assert.Contains(t, entries[1].Text, "more code")
}

func TestNoteID_ContentAddressed(t *testing.T) {
	assert.Equal(t, NoteID("same"), NoteID("same"))
	assert.NotEqual(t, NoteID("same"), NoteID("other"))
}
