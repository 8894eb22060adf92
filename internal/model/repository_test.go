package model

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"), false)
	require.NoError(t, err)
	return NewRepository(db)
}

func TestRepository_RecordAssignsID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	g := &Generation{MediaType: "image", ModelID: "mystic-realism", Source: "primary", Prompt: "a red fox", URL: "https://cdn/fox.png"}
	require.NoError(t, repo.Record(ctx, g))
	require.NotEmpty(t, g.ID)

	got, err := repo.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "a red fox", got.Prompt)
	assert.Equal(t, "https://cdn/fox.png", got.URL)
}

func TestRepository_ListPagingAndFilters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(ctx, &Generation{
			MediaType: "image",
			Prompt:    fmt.Sprintf("cat %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Record(ctx, &Generation{MediaType: "video", Prompt: "dog running", CreatedAt: base.Add(time.Hour)}))

	rows, total, err := repo.List(ctx, ListQuery{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "dog running", rows[0].Prompt, "newest first")
	assert.Equal(t, "cat 4", rows[1].Prompt)

	rows, total, err = repo.List(ctx, ListQuery{Keyword: "cat", Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "cat 0", rows[0].Prompt)

	rows, total, err = repo.List(ctx, ListQuery{MediaType: "video"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "dog running", rows[0].Prompt)
}

func TestListQuery_Normalize(t *testing.T) {
	q := ListQuery{Page: -1, PageSize: 1000, Keyword: "  x "}
	q.normalize()
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, maxPageSize, q.PageSize)
	assert.Equal(t, "x", q.Keyword)
}
