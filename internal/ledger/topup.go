package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ems/backend/internal/events"
)

// TopUpper is the ledger write behind an external credit.
type TopUpper interface {
	TopUp(ctx context.Context, employerID string, amount decimal.Decimal, externalRef string) (decimal.Decimal, error)
}

// TopUpService credits employer accounts from external payments and raises
// the balance-increase event that wakes parked endorsements.
type TopUpService struct {
	store                 TopUpper
	producer              events.Producer
	balanceIncreasedTopic string
}

func NewTopUpService(store TopUpper, producer events.Producer, balanceIncreasedTopic string) *TopUpService {
	return &TopUpService{store: store, producer: producer, balanceIncreasedTopic: balanceIncreasedTopic}
}

// Credit applies the top-up and publishes ledger.balance_increased. A publish
// failure is logged, not returned: the credit is committed and the next one
// retriggers hold-release.
func (s *TopUpService) Credit(ctx context.Context, employerID string, amount decimal.Decimal, externalRef string) (decimal.Decimal, error) {
	newBalance, err := s.store.TopUp(ctx, employerID, amount, externalRef)
	if err != nil {
		return decimal.Zero, err
	}

	event := events.BalanceIncreasedEvent{
		EmployerID:   employerID,
		ChangeAmount: amount,
		NewBalance:   newBalance,
		Timestamp:    time.Now().UTC(),
		Source:       "top_up",
	}
	headers := events.BaseHeaders("ledger", "", employerID)
	if err := events.PublishJSON(ctx, s.producer, s.balanceIncreasedTopic, employerID, event, headers); err != nil {
		slog.Error("publish balance_increased failed",
			"employer_id", employerID, "error", err)
	}
	return newBalance, nil
}
