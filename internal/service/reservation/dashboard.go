package reservation

import (
	"context"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
)

// Dashboard はオーナー向けの予約状況の集計です
type Dashboard struct {
	OwnerID           string               `json:"owner_id"`
	Days              int                  `json:"days"`
	CountsByStatus    map[model.Status]int `json:"counts_by_status"`
	Total             int                  `json:"total"`
	UpcomingCheckIns  []model.Reservation  `json:"upcoming_check_ins"`
	UpcomingCheckOuts []model.Reservation  `json:"upcoming_check_outs"`
}

// Dashboard はステータス別の件数と、days 日以内のチェックイン、チェックアウト予定を返します
func (s *Service) Dashboard(ctx context.Context, ownerID string, days int) (*Dashboard, error) {
	if days < 1 {
		return nil, apperror.Validationf("days must be at least 1, got %d", days)
	}

	counts, err := s.reservations.CountByStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	checkIns, err := s.reservations.UpcomingCheckIns(ctx, ownerID, now, days)
	if err != nil {
		return nil, err
	}
	checkOuts, err := s.reservations.UpcomingCheckOuts(ctx, ownerID, now, days)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	return &Dashboard{
		OwnerID:           ownerID,
		Days:              days,
		CountsByStatus:    counts,
		Total:             total,
		UpcomingCheckIns:  checkIns,
		UpcomingCheckOuts: checkOuts,
	}, nil
}
