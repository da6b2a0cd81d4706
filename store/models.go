package store

import (
	"time"

	"gorm.io/gorm"
)

// Document is a file ingested into the knowledge base. It owns zero or
// more Passages; RawMarkdown holds the normalized text the passages
// were cut from.
type Document struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	Filename             string    `gorm:"size:255;not null" json:"filename"`
	Filepath             string    `gorm:"size:512;not null;uniqueIndex" json:"filepath"`
	Filetype             string    `gorm:"size:32;not null" json:"filetype"`
	SizeMB               float64   `gorm:"not null" json:"size_mb"`
	UploadedAt           time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Deleted              bool      `gorm:"default:false" json:"-"`
	ConvertedWithDocling bool      `gorm:"default:false" json:"converted_with_docling"`
	RawMarkdown          *string   `gorm:"type:text" json:"raw_markdown,omitempty"`

	Passages []Passage `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

// Passage is one chunk of a document's normalized text, the unit of
// indexing and retrieval. Passages are immutable once created; a
// re-ingest deletes and recreates all of a document's passages.
type Passage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	DocumentID     uint      `gorm:"not null;index" json:"document_id"`
	ChunkIndex     int       `gorm:"not null" json:"chunk_index"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	SectionHeading *string   `gorm:"size:255" json:"section_heading,omitempty"`
	PageNumber     *int      `json:"page_number,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AutoMigrate creates or updates the schema for all store models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Document{}, &Passage{})
}
