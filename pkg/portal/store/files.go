package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/filevault/filevault/pkg/portal/models"
)

const (
	// DefaultPageSize is used when a listing request does not set a size.
	DefaultPageSize = 20
	// MaxPageSize caps the page size of file listings.
	MaxPageSize = 100
)

// CreateFile stores a new file record. Returns the generated file ID.
func (s *GORMStore) CreateFile(ctx context.Context, file *models.FileRecord) (string, error) {
	if err := file.Validate(); err != nil {
		return "", err
	}
	file.UploadedAt = time.Now()

	return createWithID(s.db, ctx, file, func(f *models.FileRecord, id string) { f.ID = id }, file.ID, models.ErrDuplicateFile)
}

// GetFile retrieves a file record by ID, scoped to its owner.
// Soft-deleted records are treated as not found.
func (s *GORMStore) GetFile(ctx context.Context, ownerID, fileID string) (*models.FileRecord, error) {
	var file models.FileRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND is_deleted = ?", fileID, ownerID, false).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// ListFiles returns one page of the owner's files, newest first, excluding
// soft-deleted records. Page numbers start at 1. The second return value is
// the total number of matching records across all pages.
func (s *GORMStore) ListFiles(ctx context.Context, ownerID string, page, size int) ([]*models.FileRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.FileRecord{}).
		Where("owner_id = ? AND is_deleted = ?", ownerID, false).
		Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	var files []*models.FileRecord
	err = s.db.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", ownerID, false).
		Order("uploaded_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&files).Error
	if err != nil {
		return nil, 0, err
	}

	return files, total, nil
}

// RenameFile updates the display filename of an owner's file.
func (s *GORMStore) RenameFile(ctx context.Context, ownerID, fileID, filename string) error {
	result := s.db.WithContext(ctx).
		Model(&models.FileRecord{}).
		Where("id = ? AND owner_id = ? AND is_deleted = ?", fileID, ownerID, false).
		Update("filename", filename)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// SoftDeleteFile marks an owner's file as deleted without touching the
// stored object. Already-deleted files report not found.
func (s *GORMStore) SoftDeleteFile(ctx context.Context, ownerID, fileID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&models.FileRecord{}).
		Where("id = ? AND owner_id = ? AND is_deleted = ?", fileID, ownerID, false).
		Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// IncrementDownloadCount bumps the download counter and access timestamp.
func (s *GORMStore) IncrementDownloadCount(ctx context.Context, fileID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&models.FileRecord{}).
		Where("id = ?", fileID).
		Updates(map[string]any{
			"download_count":   gorm.Expr("download_count + 1"),
			"last_accessed_at": now,
		}).Error
}
