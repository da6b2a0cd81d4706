package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/store"
	"github.com/BaSui01/docbase/types"
)

// fakeConverter echoes the raw file content as markdown.
type fakeConverter struct {
	text string // 非空时覆盖输出
	used bool
}

func (f *fakeConverter) ToMarkdown(_ context.Context, path, _ string) (string, bool) {
	if f.text != "" {
		return f.text, f.used
	}
	c := NewDoclingConverter("", 0, nil)
	return c.readRaw(path), false
}

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{float64(len(texts[i])), 1}
	}
	return out, nil
}

type fixture struct {
	pipeline *Pipeline
	docs     *store.Store
	vectors  *rag.MemoryVectorStore
	embedder *countingEmbedder
	convert  *fakeConverter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	docs := store.New(db, nil)
	vectors := rag.NewMemoryVectorStore()
	embedder := &countingEmbedder{}
	convert := &fakeConverter{}
	runtime := config.NewRuntimeStore(
		filepath.Join(t.TempDir(), "runtime_config.json"),
		config.DefaultConfig(), nil, nil)
	chunker := rag.NewChunker(rag.ChunkerConfig{ChunkSize: 64, ChunkOverlap: 16}, nil, nil)
	storage := NewFileStorage(t.TempDir(), 1024*1024, nil)

	return &fixture{
		pipeline: NewPipeline(docs, vectors, chunker, convert, storage, embedder, runtime, Options{}, nil),
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		convert:  convert,
	}
}

func sampleText() string {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&sb, "Paragraph %d talks about the system in some detail.\n\n", i)
	}
	return sb.String()
}

func TestIngestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, count, err := f.pipeline.Ingest(ctx, Upload{
		Filename: "notes.txt",
		Reader:   strings.NewReader(sampleText()),
	}, rag.ChunkRecursive)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Greater(t, count, 1)

	// passages 落库且有序
	passages, err := f.docs.ListPassages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, passages, count)
	for i, p := range passages {
		assert.Equal(t, i, p.ChunkIndex)
		assert.NotEmpty(t, p.Content)
	}

	// 每个 passage 一条向量记录
	assert.Equal(t, count, f.vectors.Len())
	assert.GreaterOrEqual(t, f.embedder.calls, 1)

	// 文档保留规范化 markdown
	stored, err := f.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RawMarkdown)
	assert.False(t, stored.ConvertedWithDocling)
}

func TestIngestKeysVectorRecordsByPassageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, count, err := f.pipeline.Ingest(ctx, Upload{
		Filename: "notes.txt",
		Reader:   strings.NewReader(sampleText()),
	}, rag.ChunkRecursive)
	require.NoError(t, err)
	require.Greater(t, count, 1)

	passages, err := f.docs.ListPassages(ctx, doc.ID)
	require.NoError(t, err)
	ids := make(map[string]bool, len(passages))
	for _, p := range passages {
		ids[strconv.FormatUint(uint64(p.ID), 10)] = true
	}

	// 每条向量记录的主键必须是某个 passage 行 id
	hits, err := f.vectors.Query(ctx, rag.VectorQuery{Embedding: []float64{1, 1}})
	require.NoError(t, err)
	require.Len(t, hits, count)
	for _, hit := range hits {
		assert.True(t, ids[hit.ID], "record id %q is not a passage id", hit.ID)
	}
}

func TestIngestEmptyContentRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.pipeline.Ingest(ctx, Upload{
		Filename: "empty.txt",
		Reader:   strings.NewReader("   \n\t  "),
	}, rag.ChunkRecursive)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoContentExtracted, types.GetErrorCode(err))

	// 文档行被回滚，不留下无 passage 的文档
	docs, err := f.docs.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 0, f.vectors.Len())
}

func TestIngestUnsupportedTypePropagates(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.pipeline.Ingest(context.Background(), Upload{
		Filename: "virus.exe",
		Reader:   strings.NewReader("MZ"),
	}, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedFileType, types.GetErrorCode(err))
}

func TestIngestDefaultsChunkingMethodFromRuntime(t *testing.T) {
	f := newFixture(t)

	// 未指定方法时走运行时默认（recursive_character）
	_, count, err := f.pipeline.Ingest(context.Background(), Upload{
		Filename: "notes.txt",
		Reader:   strings.NewReader(sampleText()),
	}, "")
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestReingestReplacesPassagesAndVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, firstCount, err := f.pipeline.Ingest(ctx, Upload{
		Filename: "v1.txt",
		Reader:   strings.NewReader(sampleText()),
	}, rag.ChunkRecursive)
	require.NoError(t, err)
	oldPath := doc.Filepath

	updated, secondCount, err := f.pipeline.Reingest(ctx, doc.ID, Upload{
		Filename: "v2.txt",
		Reader:   strings.NewReader("Short replacement content."),
	}, rag.ChunkRecursive)
	require.NoError(t, err)

	assert.Equal(t, doc.ID, updated.ID)
	assert.Equal(t, "v2.txt", updated.Filename)
	assert.NotEqual(t, oldPath, updated.Filepath)
	assert.Greater(t, firstCount, secondCount)

	// 旧 passage 与旧向量全部被替换
	passages, err := f.docs.ListPassages(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, passages, secondCount)
	assert.Equal(t, secondCount, f.vectors.Len())
}

func TestReingestUnknownDocument(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.pipeline.Reingest(context.Background(), 404, Upload{
		Filename: "x.txt",
		Reader:   strings.NewReader("content"),
	}, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestReingestEmptyContentLeavesZeroPassageDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, _, err := f.pipeline.Ingest(ctx, Upload{
		Filename: "v1.txt",
		Reader:   strings.NewReader(sampleText()),
	}, rag.ChunkRecursive)
	require.NoError(t, err)

	_, _, err = f.pipeline.Reingest(ctx, doc.ID, Upload{
		Filename: "empty.txt",
		Reader:   strings.NewReader(""),
	}, rag.ChunkRecursive)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoContentExtracted, types.GetErrorCode(err))

	// 重摄取失败保留文档（新元数据、零 passage），视为不可检索
	stored, err := f.docs.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "empty.txt", stored.Filename)

	passages, err := f.docs.ListPassages(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, passages)
	assert.Equal(t, 0, f.vectors.Len())
}

func TestRemoveDeletesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, _, err := f.pipeline.Ingest(ctx, Upload{
		Filename: "doc.txt",
		Reader:   strings.NewReader(sampleText()),
	}, rag.ChunkRecursive)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Remove(ctx, doc.ID))

	_, err = f.docs.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)
	assert.Equal(t, 0, f.vectors.Len())
}

func TestRemoveUnknownDocument(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.Remove(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestIngestEmbeddingFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("embedding backend down")

	_, _, err := f.pipeline.Ingest(context.Background(), Upload{
		Filename: "doc.txt",
		Reader:   strings.NewReader(sampleText()),
	}, rag.ChunkRecursive)
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedding backend down")
}
