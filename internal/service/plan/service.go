package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
)

// ErrMissingUser is returned when no user id is supplied.
var ErrMissingUser = errors.New("user id is required")

// Service resolves a user's subscription tier from their paid transactions.
type Service struct {
	transactions repository.TransactionRepository
	logger       *slog.Logger
}

// New constructs a plan Service.
func New(transactions repository.TransactionRepository, logger *slog.Logger) Service {
	return Service{transactions: transactions, logger: logger}
}

// Resolve returns the tier of the user's latest paid transaction, or basic
// when there is none.
func (s Service) Resolve(ctx context.Context, userID string) (domain.Plan, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.PlanBasic, ErrMissingUser
	}
	planID, err := s.transactions.LatestPaidPlanID(ctx, userID, domain.PlanIDs())
	if errors.Is(err, repository.ErrNotFound) {
		return domain.PlanBasic, nil
	}
	if err != nil {
		return domain.PlanBasic, fmt.Errorf("resolve plan: %w", err)
	}
	p, ok := domain.ParsePlan(planID)
	if !ok {
		s.logger.Warn("ignoring unknown plan id", "user_id", userID, "plan_id", planID)
		return domain.PlanBasic, nil
	}
	return p, nil
}

// HasAtLeast reports whether the user's tier is min or higher.
func (s Service) HasAtLeast(ctx context.Context, userID string, min domain.Plan) (bool, error) {
	p, err := s.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.AtLeast(min), nil
}
