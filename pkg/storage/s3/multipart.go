package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/filevault/filevault/pkg/storage"
)

// multipartUpload tracks in-memory state for one session's multipart upload.
type multipartUpload struct {
	uploadID       string
	completedParts []types.CompletedPart
	mu             sync.Mutex
}

// OpenStagingArea creates a multipart upload at the session's staging key
// and returns its upload ID. Calling it again for a session that already
// has an upload in flight returns the existing upload ID.
func (s *Store) OpenStagingArea(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.uploadsMu.RLock()
	existing, ok := s.uploads[sessionID]
	s.uploadsMu.RUnlock()
	if ok {
		return existing.uploadID, nil
	}

	result, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.stagingKey(sessionID)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := *result.UploadId

	s.uploadsMu.Lock()
	// Lost a create race; keep the first upload and abort ours.
	if existing, ok := s.uploads[sessionID]; ok {
		s.uploadsMu.Unlock()
		_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(s.stagingKey(sessionID)),
			UploadId: aws.String(uploadID),
		})
		return existing.uploadID, nil
	}
	s.uploads[sessionID] = &multipartUpload{
		uploadID:       uploadID,
		completedParts: make([]types.CompletedPart, 0),
	}
	s.uploadsMu.Unlock()

	return uploadID, nil
}

// WriteChunk uploads one chunk as part index+1 of the session's multipart
// upload. Part numbers are 1-based in S3 while chunk indices are 0-based.
func (s *Store) WriteChunk(ctx context.Context, sessionID, stagingRef string, index int, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	upload := s.getOrRecoverUpload(sessionID, stagingRef)
	partNumber := int32(index + 1)

	input := &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.stagingKey(sessionID)),
		UploadId:   aws.String(upload.uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	result, err := s.client.UploadPart(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}

	upload.mu.Lock()
	upload.completedParts = append(upload.completedParts, types.CompletedPart{
		ETag:       result.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	upload.mu.Unlock()

	return nil
}

// Finalize completes the multipart upload server side, then copies the
// assembled object to its content-addressed final key and deletes the
// staging object. contentHash must be known up front for S3 sessions
// since the final key is derived from it.
func (s *Store) Finalize(ctx context.Context, sessionID, stagingRef string, totalChunks int, contentHash string) (*storage.FinalObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contentHash == "" {
		return nil, fmt.Errorf("content hash is required for S3 finalize")
	}

	location, err := storage.ObjectKey(contentHash)
	if err != nil {
		return nil, err
	}

	upload := s.getOrRecoverUpload(sessionID, stagingRef)

	upload.mu.Lock()
	parts := make([]types.CompletedPart, len(upload.completedParts))
	copy(parts, upload.completedParts)
	upload.mu.Unlock()

	parts = dedupeParts(parts)

	// ETags tracked in memory are lost on restart; ListParts recovers them
	// from the server.
	if len(parts) < totalChunks {
		parts, err = s.listParts(ctx, sessionID, upload.uploadID)
		if err != nil {
			return nil, err
		}
	}

	if len(parts) != totalChunks {
		return nil, fmt.Errorf("multipart upload has %d parts, expected %d", len(parts), totalChunks)
	}

	stagingKey := s.stagingKey(sessionID)

	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(stagingKey),
		UploadId: aws.String(upload.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	finalKey := s.objectKey(location)
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(s.copySource(stagingKey)),
	}); err != nil {
		return nil, fmt.Errorf("failed to copy object to final key: %w", err)
	}

	// Staging object is redundant once the copy landed.
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stagingKey),
	}); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to delete staging object: %w", err)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stat final object: %w", err)
	}

	s.uploadsMu.Lock()
	delete(s.uploads, sessionID)
	s.uploadsMu.Unlock()

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}

	return &storage.FinalObject{
		Location: location,
		Size:     size,
		Hash:     contentHash,
	}, nil
}

// Abort cancels the session's multipart upload and removes any staging
// object. Idempotent: a missing upload is not an error.
func (s *Store) Abort(ctx context.Context, sessionID, stagingRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stagingRef == "" {
		return nil
	}

	stagingKey := s.stagingKey(sessionID)

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(stagingKey),
		UploadId: aws.String(stagingRef),
	})
	if err != nil {
		// Ignore NoSuchUpload error (idempotent behavior)
		var noSuchUpload *types.NoSuchUpload
		if !errors.As(err, &noSuchUpload) {
			return fmt.Errorf("failed to abort multipart upload: %w", err)
		}
	}

	// A crash between complete and copy can leave a staging object behind.
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stagingKey),
	}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete staging object: %w", err)
	}

	s.uploadsMu.Lock()
	delete(s.uploads, sessionID)
	s.uploadsMu.Unlock()

	return nil
}

// getOrRecoverUpload returns the in-memory upload state for a session,
// seeding a fresh entry from the durable upload ID after a restart.
func (s *Store) getOrRecoverUpload(sessionID, uploadID string) *multipartUpload {
	s.uploadsMu.RLock()
	upload, ok := s.uploads[sessionID]
	s.uploadsMu.RUnlock()
	if ok {
		return upload
	}

	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	if upload, ok = s.uploads[sessionID]; ok {
		return upload
	}
	upload = &multipartUpload{
		uploadID:       uploadID,
		completedParts: make([]types.CompletedPart, 0),
	}
	s.uploads[sessionID] = upload
	return upload
}

// listParts fetches the authoritative part list from S3.
func (s *Store) listParts(ctx context.Context, sessionID, uploadID string) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart

	input := &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.stagingKey(sessionID)),
		UploadId: aws.String(uploadID),
	}

	for {
		page, err := s.client.ListParts(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list parts: %w", err)
		}

		for _, p := range page.Parts {
			parts = append(parts, types.CompletedPart{
				ETag:       p.ETag,
				PartNumber: p.PartNumber,
			})
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		input.PartNumberMarker = page.NextPartNumberMarker
	}

	return dedupeParts(parts), nil
}

// dedupeParts sorts parts by number and keeps the last upload of each
// part, which is what S3 serves after a re-upload of the same number.
func dedupeParts(parts []types.CompletedPart) []types.CompletedPart {
	sort.SliceStable(parts, func(i, j int) bool {
		return *parts[i].PartNumber < *parts[j].PartNumber
	})

	out := parts[:0]
	for _, p := range parts {
		if len(out) > 0 && *out[len(out)-1].PartNumber == *p.PartNumber {
			out[len(out)-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}
