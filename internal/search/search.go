// Package search answers workflow-visible execution queries over the
// execution index. Results are compact projections: they end up recorded in
// history, so full inputs and results are never included.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitflow/engine/internal/executions"
	"github.com/orbitflow/engine/internal/types"
)

const defaultLimit = 100

// Match is one execution in a search result.
type Match struct {
	ExecutionID  types.ExecutionID     `json:"executionId"`
	WorkflowName string                `json:"workflowName"`
	Status       types.ExecutionStatus `json:"status"`
	StartTime    time.Time             `json:"startTime"`
	EndTime      *time.Time            `json:"endTime,omitempty"`
}

// Service runs search queries against the execution store.
type Service struct {
	store executions.Store
}

func NewService(store executions.Store) *Service {
	return &Service{store: store}
}

// Search lists executions matching the query, newest first, capped at the
// query limit (default 100).
func (s *Service) Search(ctx context.Context, q types.SearchQuery) ([]Match, error) {
	limit := q.Limit
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}
	list, err := s.store.ListExecutions(ctx, executions.ListQuery{
		WorkflowName: q.WorkflowName,
		Status:       q.Status,
		NamePrefix:   q.NamePrefix,
		StartedAfter: q.StartedAfter,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search executions: %w", err)
	}

	matches := make([]Match, 0, len(list))
	for _, e := range list {
		matches = append(matches, Match{
			ExecutionID:  e.ID,
			WorkflowName: e.WorkflowName,
			Status:       e.Status,
			StartTime:    e.StartTime,
			EndTime:      e.EndTime,
		})
	}
	return matches, nil
}
