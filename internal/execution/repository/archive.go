package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"codegrade/internal/common/storage"
	"codegrade/internal/execution/language"
	"codegrade/internal/execution/model"
	appErr "codegrade/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveContentType = "application/zstd"
	archivePrefix      = "evaluations"
	// Records above this size after decompression are rejected on load.
	maxArchiveRecordBytes = 16 << 20
)

// ArchiveRecord is what gets persisted for one graded submission.
type ArchiveRecord struct {
	ID         string           `json:"id"`
	Language   language.ID      `json:"language"`
	SourceCode string           `json:"source_code"`
	Evaluation model.Evaluation `json:"evaluation"`
	CreatedAt  time.Time        `json:"created_at"`
}

// SubmissionArchive stores graded submissions.
type SubmissionArchive interface {
	Store(ctx context.Context, record ArchiveRecord) (string, error)
	Load(ctx context.Context, key string) (ArchiveRecord, error)
}

// ObjectArchive keeps zstd-compressed JSON records in object storage.
type ObjectArchive struct {
	storage storage.ObjectStorage
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewObjectArchive creates an archive writing into bucket.
func NewObjectArchive(store storage.ObjectStorage, bucket string) (*ObjectArchive, error) {
	if store == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("object storage is required")
	}
	if bucket == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("archive bucket is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchiveRecordBytes))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	return &ObjectArchive{storage: store, bucket: bucket, encoder: encoder, decoder: decoder}, nil
}

// ArchiveKey returns the object key for a record: evaluations/<yyyy>/<mm>/<dd>/<id>.json.zst.
func ArchiveKey(id string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json.zst", archivePrefix, at.Year(), int(at.Month()), at.Day(), id)
}

// Store compresses and uploads the record, returning its object key.
func (a *ObjectArchive) Store(ctx context.Context, record ArchiveRecord) (string, error) {
	if record.ID == "" {
		return "", appErr.ValidationError("id", "required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal archive record failed: %w", err)
	}
	compressed := a.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	key := ArchiveKey(record.ID, record.CreatedAt)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), archiveContentType); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "archive submission failed")
	}
	return key, nil
}

// Load downloads and decodes the record stored at key.
func (a *ObjectArchive) Load(ctx context.Context, key string) (ArchiveRecord, error) {
	var record ArchiveRecord
	reader, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		return record, appErr.Wrapf(err, appErr.StorageError, "load archived submission failed")
	}
	defer reader.Close()

	compressed, err := io.ReadAll(reader)
	if err != nil {
		return record, appErr.Wrapf(err, appErr.StorageError, "read archived submission failed")
	}
	payload, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return record, appErr.Wrapf(err, appErr.StorageError, "decompress archived submission failed")
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		return record, appErr.Wrapf(err, appErr.StorageError, "decode archived submission failed")
	}
	return record, nil
}

// Close releases the codec resources.
func (a *ObjectArchive) Close() error {
	a.decoder.Close()
	return a.encoder.Close()
}
