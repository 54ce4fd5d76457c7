package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-01T00:00:00Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	require.Equal(t, "42", cursor.ID)
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []*row{{id: "3"}, {id: "2"}, {id: "1"}}
	info := BuildCursorPageInfo(rows, 2, func(r *row) string { return r.id })
	require.True(t, info.HasMore)
	require.Equal(t, "2", info.NextPageToken)

	info = BuildCursorPageInfo(rows, 5, func(r *row) string { return r.id })
	require.False(t, info.HasMore)

	empty := BuildCursorPageInfo([]*row{}, 5, func(r *row) string { return r.id })
	require.False(t, empty.HasMore)
}
