package store

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return New(db, zap.NewNop())
}

func TestDocumentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &Document{
		Filename: "report.pdf",
		Filepath: "/storage/files/report.pdf",
		Filetype: "pdf",
		SizeMB:   1.25,
	}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NotZero(t, doc.ID)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got.Filename)
	assert.False(t, got.ConvertedWithDocling)

	md := "# Report"
	got.ConvertedWithDocling = true
	got.RawMarkdown = &md
	require.NoError(t, s.UpdateDocument(ctx, got))

	got, err = s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, got.ConvertedWithDocling)
	require.NotNil(t, got.RawMarkdown)
	assert.Equal(t, "# Report", *got.RawMarkdown)

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	_, err = s.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.DeleteDocument(context.Background(), 4242), ErrDocumentNotFound)
}

func TestPassageLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &Document{Filename: "a.txt", Filepath: "/f/a.txt", Filetype: "txt"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	heading := "Intro"
	page := 2
	for i := 0; i < 3; i++ {
		p := &Passage{
			DocumentID:     doc.ID,
			ChunkIndex:     i,
			Content:        "chunk content",
			SectionHeading: &heading,
			PageNumber:     &page,
		}
		require.NoError(t, s.CreatePassage(ctx, p))
		require.NotZero(t, p.ID)
	}

	passages, err := s.ListPassages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, passages, 3)
	for i, p := range passages {
		assert.Equal(t, i, p.ChunkIndex)
		require.NotNil(t, p.SectionHeading)
		assert.Equal(t, "Intro", *p.SectionHeading)
	}

	require.NoError(t, s.DeletePassages(ctx, doc.ID))
	passages, err = s.ListPassages(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestCountStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &Document{Filename: "a.txt", Filepath: "/f/a.txt", Filetype: "txt"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.CreatePassage(ctx, &Passage{DocumentID: doc.ID, ChunkIndex: 0, Content: "x"}))
	require.NoError(t, s.CreatePassage(ctx, &Passage{DocumentID: doc.ID, ChunkIndex: 1, Content: "y"}))

	st, err := s.CountStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Documents)
	assert.Equal(t, int64(2), st.Passages)
}
