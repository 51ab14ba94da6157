package model

import (
	"fmt"
	"strings"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
)

// UnavailableReason は受付できない理由です
// 日程の重複と滞在日数の制約違反は呼び出し元が区別して表示します
type UnavailableReason string

const (
	ReasonNone                   UnavailableReason = ""
	ReasonOverlappingReservation UnavailableReason = "OVERLAPPING_RESERVATION"
	ReasonMinimumStay            UnavailableReason = "MINIMUM_STAY"
	ReasonMaximumStay            UnavailableReason = "MAXIMUM_STAY"
)

// Availability は空き状況の判定結果です
type Availability struct {
	Available  bool              `json:"available"`
	Reason     UnavailableReason `json:"reason,omitempty"`
	PropertyID string            `json:"property_id"`
	Interval   Interval          `json:"interval"`
	Nights     int               `json:"nights"`
	// Bound は違反した最小/最大泊数です
	Bound     *int          `json:"bound,omitempty"`
	Conflicts []Reservation `json:"conflicts"`
}

// ConflictError は受付できなかった予約の詳細を保持するエラーです
type ConflictError struct {
	Availability Availability
}

func (e *ConflictError) Kind() apperror.Kind {
	return apperror.KindAvailabilityConflict
}

func (e *ConflictError) Is(target error) bool {
	return target == apperror.ErrAvailabilityConflict
}

func (e *ConflictError) Error() string {
	a := e.Availability
	switch a.Reason {
	case ReasonMinimumStay, ReasonMaximumStay:
		bound := 0
		if a.Bound != nil {
			bound = *a.Bound
		}
		return fmt.Sprintf("property %s: %d nights violates %s of %d nights", a.PropertyID, a.Nights, a.Reason, bound)
	default:
		refs := make([]string, 0, len(a.Conflicts))
		for _, c := range a.Conflicts {
			refs = append(refs, c.BookingReference)
		}
		return fmt.Sprintf("property %s: %s overlaps reservations [%s]", a.PropertyID, a.Interval, strings.Join(refs, ", "))
	}
}
