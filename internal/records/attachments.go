package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/attachments"
	"github.com/dmitrijs2005/classbook/internal/repositories/observations"
)

// MaxAttachmentSize bounds a single payload.
const MaxAttachmentSize = 20 << 20

// AddAttachment seals data under the data key and stores it with its
// SHA-256 hash. The content type is sniffed when not given.
func (s *Service) AddAttachment(ctx context.Context, observationID, filename, contentType string, data []byte, actor string) (models.Attachment, error) {
	if len(data) == 0 || len(data) > MaxAttachmentSize {
		return models.Attachment{}, fmt.Errorf("attachment size %d: %w", len(data), common.ErrValidation)
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return models.Attachment{}, fmt.Errorf("attachment filename is required: %w", common.ErrValidation)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	sum := sha256.Sum256(data)
	a := models.Attachment{
		ID:            uuid.NewString(),
		ObservationID: observationID,
		Filename:      filename,
		ContentType:   contentType,
		Size:          int64(len(data)),
		Hash:          hex.EncodeToString(sum[:]),
		CreatedAt:     s.now(),
	}
	sealed, err := s.dev.SealText(a.ID, data)
	if err != nil {
		return models.Attachment{}, err
	}

	err = s.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := observations.NewSQLiteRepository(tx).Get(ctx, observationID); err != nil {
			return err
		}
		if err := attachments.NewSQLiteRepository(tx).Insert(ctx, a, sealed); err != nil {
			return err
		}
		return s.audit(ctx, tx, models.DetailCreate, models.ObjectAttachment, a.ID, actor,
			map[string]any{"observation_id": observationID, "size": a.Size, "hash": a.Hash})
	})
	if err != nil {
		return models.Attachment{}, err
	}
	return a, nil
}

// GetAttachment returns metadata and the decrypted payload, verified
// against the stored hash.
func (s *Service) GetAttachment(ctx context.Context, id string) (models.Attachment, error) {
	a, sealed, err := attachments.NewSQLiteRepository(s.db()).Get(ctx, id)
	if err != nil {
		return models.Attachment{}, err
	}
	data, err := s.dev.OpenText(id, sealed)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("attachment %s: %w", id, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != a.Hash {
		return models.Attachment{}, &common.IntegrityError{Reason: "attachment " + id + " hash mismatch"}
	}
	a.Payload = data
	return a, nil
}

func (s *Service) ListAttachments(ctx context.Context, observationID string) ([]models.Attachment, error) {
	return attachments.NewSQLiteRepository(s.db()).ListByObservation(ctx, observationID)
}
