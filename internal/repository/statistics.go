package repository

import (
	"context"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
)

type StatisticsRepository interface {
	// GetByID returns domain.ErrStatisticsNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*domain.ProcessingStatistics, error)
	CreateOrUpdate(ctx context.Context, stats *domain.ProcessingStatistics, wc WriteConcern) error
}
