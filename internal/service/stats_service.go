package service

import (
	"context"
	"errors"
	"time"

	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
	"golang.org/x/sync/errgroup"
)

// StatsServiceInterface defines the contract for per-link statistics
type StatsServiceInterface interface {
	GetStats(ctx context.Context, code string) (*model.Stats, error)
}

// StatsService aggregates a link with its visits. Expired links stay visible.
type StatsService struct {
	links       repository.LinkRepositoryInterface
	visits      repository.VisitRepositoryInterface
	recentLimit int
	now         func() time.Time
}

// NewStatsService creates a new stats service
func NewStatsService(links repository.LinkRepositoryInterface, visits repository.VisitRepositoryInterface, recentLimit int) *StatsService {
	return &StatsService{
		links:       links,
		visits:      visits,
		recentLimit: recentLimit,
		now:         time.Now,
	}
}

// GetStats returns the link, its total visit count and the most recent visits
func (s *StatsService) GetStats(ctx context.Context, code string) (*model.Stats, error) {
	if !isResolvableCode(code) {
		return nil, ErrNotFound
	}

	link, err := s.links.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError("get link", err)
	}

	stats := &model.Stats{
		Link:    *link,
		Expired: link.IsExpired(s.now()),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		count, err := s.visits.CountByCode(gctx, code)
		if err != nil {
			return storageError("count visits", err)
		}
		stats.VisitCount = count
		return nil
	})
	if s.recentLimit > 0 {
		g.Go(func() error {
			visits, err := s.visits.ListByCode(gctx, code, s.recentLimit)
			if err != nil {
				return storageError("list visits", err)
			}
			stats.Visits = visits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if stats.Visits == nil {
		stats.Visits = []model.Visit{}
	}
	return stats, nil
}

// Ensure StatsService implements StatsServiceInterface at compile time
var _ StatsServiceInterface = (*StatsService)(nil)
