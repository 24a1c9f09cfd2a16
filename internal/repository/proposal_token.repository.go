package repository

import (
	"context"
	"errors"

	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/pkg/pg"
	"gorm.io/gorm"
)

type ProposalTokenRepository struct {
	*pg.DB
}

func NewProposalTokenRepository(db *pg.DB) *ProposalTokenRepository {
	return &ProposalTokenRepository{db}
}

func (r *ProposalTokenRepository) Create(ctx context.Context, t *model.ProposalToken) error {
	return r.Write(ctx).Create(toProposalTokenEntity(t)).Error
}

func (r *ProposalTokenRepository) Get(ctx context.Context, token string) (*model.ProposalToken, error) {
	var entity ProposalTokenEntity
	if err := r.Read(ctx).Where("token = ?", token).Take(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return toProposalTokenModel(&entity), nil
}

func (r *ProposalTokenRepository) Revoke(ctx context.Context, token string) error {
	res := r.Write(ctx).Model(&ProposalTokenEntity{}).Where("token = ?", token).Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}
