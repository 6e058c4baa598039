package models

import (
	"fmt"
	"strings"
	"time"
)

// FileRecord represents a fully uploaded file owned by a user.
//
// StorageLocation is the backend-specific key of the merged object
// (a content-addressed path for local storage, an object key for S3).
// Several records may point at the same location when deduplication
// collapsed identical uploads.
type FileRecord struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID          string     `gorm:"index;not null;size:36" json:"owner_id"`
	Filename         string     `gorm:"not null;size:255" json:"filename"`
	OriginalFilename string     `gorm:"size:255" json:"original_filename"`
	StorageLocation  string     `gorm:"not null;size:512" json:"-"`
	StorageMode      string     `gorm:"not null;size:16" json:"storage_mode"`
	Size             int64      `gorm:"not null" json:"size"`
	ContentType      string     `gorm:"size:255" json:"content_type"`
	Hash             string     `gorm:"index;size:64" json:"hash"`
	Description      string     `gorm:"size:1024" json:"description,omitempty"`
	Tags             string     `gorm:"size:1024" json:"tags,omitempty"`
	IsPublic         bool       `gorm:"default:false" json:"is_public"`
	IsDeleted        bool       `gorm:"default:false;index" json:"-"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	DownloadCount    int64      `gorm:"default:0" json:"download_count"`
	LastAccessedAt   *time.Time `json:"last_accessed_at,omitempty"`
	UploadedAt       time.Time  `gorm:"autoCreateTime" json:"uploaded_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Owner *User `gorm:"foreignKey:OwnerID" json:"-"`
}

// TableName returns the table name for FileRecord.
func (FileRecord) TableName() string {
	return "files"
}

// TagList splits the stored comma-separated tags into a slice.
func (f *FileRecord) TagList() []string {
	if f.Tags == "" {
		return nil
	}
	parts := strings.Split(f.Tags, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Validate checks if the file record has valid configuration.
func (f *FileRecord) Validate() error {
	if f.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if f.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if f.StorageLocation == "" {
		return fmt.Errorf("storage location is required")
	}
	if f.Size < 0 {
		return fmt.Errorf("size must be non-negative")
	}
	return nil
}

// AllModels returns every model migrated by the store.
func AllModels() []any {
	return []any{
		&User{},
		&FileRecord{},
	}
}
