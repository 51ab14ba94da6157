package reservation

import (
	"context"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository"
	"github.com/shopspring/decimal"
)

// RecordPayment は入金を記録し、支払済額、未払額、支払状況を更新します
// キャンセルまたは不泊の予約への入金と、合計額を超える入金は受け付けません
func (s *Service) RecordPayment(ctx context.Context, id, ownerID string, amount decimal.Decimal) (*model.Reservation, error) {
	if !amount.IsPositive() {
		return nil, apperror.Validationf("payment amount must be positive, got %s", amount)
	}

	current, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	var updated *model.Reservation
	err = s.reservations.WithPropertyLock(ctx, current.PropertyID, func(ctx context.Context, store repository.ReservationStore) error {
		latest, err := store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if latest.Status == model.StatusCancelled || latest.Status == model.StatusNoShow {
			return apperror.Validationf("cannot record payment for reservation %s in status %s", id, latest.Status)
		}

		paid := latest.AmountPaid.Add(amount.Round(2))
		if paid.GreaterThan(latest.TotalAmount) {
			return apperror.Validationf("payment %s exceeds amount due %s for reservation %s",
				amount.StringFixed(2), latest.AmountDue.StringFixed(2), id)
		}

		updated, err = store.Update(ctx, id, model.ReservationPatch{AmountPaid: &paid}, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
