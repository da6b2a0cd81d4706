package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/store"
	"github.com/BaSui01/docbase/types"
)

// Upload 一次上传的文件内容。
type Upload struct {
	Filename string
	Reader   io.Reader
}

// Embedder 批量嵌入文本，由活跃嵌入模型实现。
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
}

// Options 调节嵌入批量与并发。零值使用默认。
type Options struct {
	EmbedBatchSize   int        // 每批嵌入的 passage 数，默认 16
	EmbedConcurrency int        // 并发批数，默认 4
	EmbedRate        rate.Limit // 每秒嵌入批数上限，默认 10
}

// Pipeline 负责 摄取 → 转换 → 分块 → 落库 → 向量索引 的编排，
// 并保证关系库与向量索引的一致性顺序。
type Pipeline struct {
	docs      *store.Store
	vectors   rag.VectorStore
	chunker   *rag.Chunker
	converter Converter
	storage   *FileStorage
	embedder  Embedder
	runtime   *config.RuntimeStore
	logger    *zap.Logger

	limiter     *rate.Limiter
	batchSize   int
	concurrency int
}

func NewPipeline(
	docs *store.Store,
	vectors rag.VectorStore,
	chunker *rag.Chunker,
	converter Converter,
	storage *FileStorage,
	embedder Embedder,
	runtime *config.RuntimeStore,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 16
	}
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 4
	}
	if opts.EmbedRate <= 0 {
		opts.EmbedRate = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		docs:        docs,
		vectors:     vectors,
		chunker:     chunker,
		converter:   converter,
		storage:     storage,
		embedder:    embedder,
		runtime:     runtime,
		logger:      logger.With(zap.String("component", "ingest_pipeline")),
		limiter:     rate.NewLimiter(opts.EmbedRate, 1),
		batchSize:   opts.EmbedBatchSize,
		concurrency: opts.EmbedConcurrency,
	}
}

// resolveMethod picks the chunking method: explicit request first,
// then the runtime default, then recursive_character.
func (p *Pipeline) resolveMethod(method rag.ChunkingMethod) rag.ChunkingMethod {
	if method != "" {
		return method
	}
	if settings := p.runtime.Retrieval(); settings.ChunkingMethod != nil && *settings.ChunkingMethod != "" {
		return rag.ChunkingMethod(*settings.ChunkingMethod)
	}
	return rag.ChunkRecursive
}

// Ingest stores the upload, creates the Document row, converts and
// chunks the text, persists each Passage, and indexes the embeddings.
// Zero extracted passages roll back both the row and the stored file
// so no passage-less document is silently committed.
func (p *Pipeline) Ingest(ctx context.Context, up Upload, method rag.ChunkingMethod) (*store.Document, int, error) {
	path, filetype, err := p.storage.Save(up.Filename, up.Reader)
	if err != nil {
		return nil, 0, err
	}

	doc := &store.Document{
		Filename: up.Filename,
		Filepath: path,
		Filetype: filetype,
		SizeMB:   fileSizeMB(path),
	}
	if err := p.docs.CreateDocument(ctx, doc); err != nil {
		p.storage.Remove(path)
		return nil, 0, err
	}

	count, err := p.process(ctx, doc, method)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrNoContentExtracted {
			// 回滚：不留下无 passage 的文档
			if delErr := p.docs.DeleteDocument(ctx, doc.ID); delErr != nil {
				p.logger.Error("rollback of empty document failed",
					zap.Uint("document_id", doc.ID), zap.Error(delErr))
			}
			p.storage.Remove(path)
		}
		return nil, 0, err
	}

	p.logger.Info("document ingested",
		zap.Uint("document_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.Int("passages", count))
	return doc, count, nil
}

// Reingest replaces a document's content. The sequence is strictly
// ordered so a crash can never leave vector records pointing at
// passages that no longer exist: vectors, then passages, then the old
// file, then the new file and metadata, then reprocessing.
func (p *Pipeline) Reingest(ctx context.Context, id uint, up Upload, method rag.ChunkingMethod) (*store.Document, int, error) {
	doc, err := p.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, 0, notFound(id, err)
	}

	if err := p.vectors.DeleteWhere(ctx, map[string]any{"document_id": int(id)}); err != nil {
		return nil, 0, fmt.Errorf("delete vectors: %w", err)
	}
	if err := p.docs.DeletePassages(ctx, id); err != nil {
		return nil, 0, err
	}
	if err := p.storage.Remove(doc.Filepath); err != nil {
		p.logger.Warn("old file removal failed", zap.String("path", doc.Filepath), zap.Error(err))
	}

	path, filetype, err := p.storage.Save(up.Filename, up.Reader)
	if err != nil {
		return nil, 0, err
	}
	doc.Filename = up.Filename
	doc.Filepath = path
	doc.Filetype = filetype
	doc.SizeMB = fileSizeMB(path)
	doc.RawMarkdown = nil
	doc.ConvertedWithDocling = false
	if err := p.docs.UpdateDocument(ctx, doc); err != nil {
		return nil, 0, err
	}

	// 此后失败时文档保留新元数据但没有 passage；
	// 零 passage 文档视为不可检索，而不是错误状态。
	count, err := p.process(ctx, doc, method)
	if err != nil {
		return nil, 0, err
	}

	p.logger.Info("document reingested",
		zap.Uint("document_id", doc.ID),
		zap.Int("passages", count))
	return doc, count, nil
}

// Remove deletes a document and everything derived from it, ordered
// so vector records never outlive the passages they reference.
func (p *Pipeline) Remove(ctx context.Context, id uint) error {
	doc, err := p.docs.GetDocument(ctx, id)
	if err != nil {
		return notFound(id, err)
	}

	if err := p.vectors.DeleteWhere(ctx, map[string]any{"document_id": int(id)}); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := p.docs.DeletePassages(ctx, id); err != nil {
		return err
	}
	if err := p.storage.Remove(doc.Filepath); err != nil {
		p.logger.Warn("stored file removal failed", zap.String("path", doc.Filepath), zap.Error(err))
	}
	if err := p.docs.DeleteDocument(ctx, id); err != nil {
		return err
	}

	p.logger.Info("document removed", zap.Uint("document_id", id))
	return nil
}

// process converts, chunks, persists, and indexes one document.
func (p *Pipeline) process(ctx context.Context, doc *store.Document, method rag.ChunkingMethod) (int, error) {
	markdown, usedConverter := p.converter.ToMarkdown(ctx, doc.Filepath, doc.Filetype)
	doc.ConvertedWithDocling = usedConverter
	if markdown != "" {
		doc.RawMarkdown = &markdown
	}
	if err := p.docs.UpdateDocument(ctx, doc); err != nil {
		return 0, err
	}

	candidates := p.chunker.Split(markdown, p.resolveMethod(method))
	if len(candidates) == 0 {
		return 0, types.NewError(types.ErrNoContentExtracted,
			fmt.Sprintf("No text could be extracted from '%s'", doc.Filename)).
			WithHint("Check that the file is not empty or scanned images only")
	}

	passages := make([]store.Passage, 0, len(candidates))
	for i, cand := range candidates {
		passage := store.Passage{
			DocumentID:     doc.ID,
			ChunkIndex:     i,
			Content:        cand.Text,
			SectionHeading: cand.SectionHeading,
			PageNumber:     cand.PageNumber,
		}
		if err := p.docs.CreatePassage(ctx, &passage); err != nil {
			return 0, err
		}
		passages = append(passages, passage)
	}

	if err := p.index(ctx, doc, passages); err != nil {
		return 0, err
	}
	return len(passages), nil
}

// index embeds passages in rate-limited concurrent batches and
// upserts the vector records.
func (p *Pipeline) index(ctx context.Context, doc *store.Document, passages []store.Passage) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for start := 0; start < len(passages); start += p.batchSize {
		end := start + p.batchSize
		if end > len(passages) {
			end = len(passages)
		}
		batch := passages[start:end]

		g.Go(func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}

			texts := make([]string, len(batch))
			for i, passage := range batch {
				texts[i] = passage.Content
			}
			vectors, err := p.embedder.EmbedTexts(ctx, texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedding count mismatch: got=%d want=%d", len(vectors), len(batch))
			}

			records := make([]rag.VectorRecord, len(batch))
			for i, passage := range batch {
				meta := map[string]any{
					"document_id": int(doc.ID),
					"passage_id":  int(passage.ID),
					"chunk_index": passage.ChunkIndex,
					"filename":    doc.Filename,
				}
				if passage.SectionHeading != nil {
					meta["section_heading"] = *passage.SectionHeading
				}
				if passage.PageNumber != nil {
					meta["page_number"] = *passage.PageNumber
				}
				// 向量记录以 Passage 行 id 作为主键
				records[i] = rag.VectorRecord{
					ID:        strconv.FormatUint(uint64(passage.ID), 10),
					Embedding: vectors[i],
					Text:      passage.Content,
					Metadata:  meta,
				}
			}
			return p.vectors.Upsert(ctx, records)
		})
	}
	return g.Wait()
}

func notFound(id uint, err error) error {
	if errors.Is(err, store.ErrDocumentNotFound) {
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("Document %d not found", id))
	}
	return err
}

func fileSizeMB(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}
