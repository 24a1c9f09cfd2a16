package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/pg"
	"gorm.io/gorm"
)

const versionRetries = 3

const versionBackoff = 2 * time.Millisecond

type ProposalRepository struct {
	*pg.DB
}

func NewProposalRepository(db *pg.DB) *ProposalRepository {
	return &ProposalRepository{db}
}

// CreateNextVersion inserts p at max(version)+1 for its case. The read and
// the insert share a transaction and the (caso_id, version) unique index
// rejects a concurrent writer; on such a conflict the insert is retried with
// a fresh max up to versionRetries times.
func (r *ProposalRepository) CreateNextVersion(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	backoff := versionBackoff
	for attempt := 0; ; attempt++ {
		created, err := r.insertNextVersion(ctx, p)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		if attempt == versionRetries {
			return nil, fmt.Errorf("%w: caso_id=%s", ErrVersionConflict, p.CaseID)
		}

		logger.Warn("proposal version taken, retrying", "caso_id", p.CaseID, "attempt", attempt+1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (r *ProposalRepository) insertNextVersion(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	var created *model.Proposal
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		current, err := r.MaxVersion(ctx, p.CaseID)
		if err != nil {
			return err
		}

		entity := toProposalEntity(p)
		entity.ID = uuid.NewString()
		entity.Version = current + 1
		if err := r.Write(ctx).Create(entity).Error; err != nil {
			return err
		}
		created = toProposalModel(entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MaxVersion returns the highest version stored for the case, 0 if none.
func (r *ProposalRepository) MaxVersion(ctx context.Context, caseID string) (int, error) {
	var current int
	err := r.Read(ctx).
		Model(&ProposalEntity{}).
		Where("caso_id = ?", caseID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&current).Error
	return current, err
}

func (r *ProposalRepository) LatestByCase(ctx context.Context, caseID string) (*model.Proposal, error) {
	var entity ProposalEntity
	err := r.Read(ctx).
		Where("caso_id = ?", caseID).
		Order("version DESC").
		Take(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return toProposalModel(&entity), nil
}

func (r *ProposalRepository) ListByCase(ctx context.Context, caseID string) ([]*model.Proposal, error) {
	var entities []*ProposalEntity
	if err := r.Read(ctx).Where("caso_id = ?", caseID).Order("version ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	proposals := make([]*model.Proposal, len(entities))
	for i, e := range entities {
		proposals[i] = toProposalModel(e)
	}
	return proposals, nil
}
