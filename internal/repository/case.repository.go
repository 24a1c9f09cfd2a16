package repository

import (
	"context"
	"errors"
	"time"

	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/pkg/pg"
	"gorm.io/gorm"
)

type CaseRepository struct {
	*pg.DB
}

func NewCaseRepository(db *pg.DB) *CaseRepository {
	return &CaseRepository{db}
}

// Create inserts a case. The pipeline never creates cases; seeding tools and
// tests do.
func (r *CaseRepository) Create(ctx context.Context, c *model.Case) (*model.Case, error) {
	entity := toCaseEntity(c)
	if entity.Estado == "" {
		entity.Estado = string(model.CaseStatusDraft)
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toCaseModel(entity), nil
}

func (r *CaseRepository) Get(ctx context.Context, id string) (*model.Case, error) {
	var entity CaseEntity
	err := r.Read(ctx).
		Select(caseColumns).
		Where("id = ?", id).
		Take(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return toCaseModel(&entity), nil
}

// MarkProposalSent moves the case to propuesta_enviada.
func (r *CaseRepository) MarkProposalSent(ctx context.Context, id string, at time.Time) error {
	res := r.Write(ctx).
		Model(&CaseEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"estado":               string(model.CaseStatusProposalSent),
			"propuesta_enviada_at": at,
			"updated_at":           at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}
