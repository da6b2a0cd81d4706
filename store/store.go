package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDocumentNotFound is returned when a document id does not resolve.
var ErrDocumentNotFound = errors.New("document not found")

// Store wraps the relational database holding Document and Passage
// rows. It is safe for concurrent use; all serialization is delegated
// to the underlying *gorm.DB connection pool.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Store on top of an initialized gorm connection.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}
}

// DB exposes the underlying connection for migration and stats.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateDocument persists a new document row and assigns its ID.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(ctx context.Context, id uint) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return &doc, nil
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).Order("uploaded_at DESC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// UpdateDocument persists changed fields of an existing document row.
func (s *Store) UpdateDocument(ctx context.Context, doc *Document) error {
	if err := s.db.WithContext(ctx).Save(doc).Error; err != nil {
		return fmt.Errorf("update document %d: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument removes the document row. Passage rows are expected to
// be removed first by the caller; the FK cascade is a safety net only.
func (s *Store) DeleteDocument(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&Document{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete document %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// CreatePassage persists one passage row and assigns its ID. The
// assigned ID is what keys the passage's VectorRecord, so callers must
// only index a passage after this returns.
func (s *Store) CreatePassage(ctx context.Context, p *Passage) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create passage: %w", err)
	}
	return nil
}

// ListPassages returns a document's passages in chunk order.
func (s *Store) ListPassages(ctx context.Context, documentID uint) ([]Passage, error) {
	var passages []Passage
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&passages).Error
	if err != nil {
		return nil, fmt.Errorf("list passages for document %d: %w", documentID, err)
	}
	return passages, nil
}

// DeletePassages removes all passage rows belonging to a document.
func (s *Store) DeletePassages(ctx context.Context, documentID uint) error {
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&Passage{}).Error
	if err != nil {
		return fmt.Errorf("delete passages for document %d: %w", documentID, err)
	}
	return nil
}

// Stats holds row counts for the stats endpoint.
type Stats struct {
	Documents int64 `json:"files"`
	Passages  int64 `json:"chunks"`
}

// CountStats returns document and passage counts.
func (s *Store) CountStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.WithContext(ctx).Model(&Document{}).Count(&st.Documents).Error; err != nil {
		return st, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Passage{}).Count(&st.Passages).Error; err != nil {
		return st, fmt.Errorf("count passages: %w", err)
	}
	return st, nil
}
