package model

import (
	"errors"
	"fmt"
	"time"
)

// EventType は予約イベントの種類を表します
type EventType string

const (
	// EventAdmitted は新しい予約が受け付けられたことを表します
	EventAdmitted EventType = "reservation.admitted"
	// EventUpdated は既存の予約が更新されたことを表します
	EventUpdated EventType = "reservation.updated"
	// EventSkipped は変更がなく処理を省略したことを表します
	EventSkipped EventType = "reservation.skipped"
	// EventRejected は空き状況により受付できなかったことを表します
	EventRejected EventType = "reservation.rejected"
	// EventStatusChanged はライフサイクル上のステータス遷移を表します
	EventStatusChanged EventType = "reservation.status_changed"
	// EventFailed は入力不備などで処理できなかったことを表します
	EventFailed EventType = "reservation.failed"
)

// ReservationEvent は予約処理の結果として発行されるイベントです
// 通知や監査ログのコラボレーターへ Step Functions 経由で引き渡されます
type ReservationEvent struct {
	Type             EventType `json:"type"`
	ReservationID    string    `json:"reservation_id,omitempty"`
	BookingReference string    `json:"booking_reference,omitempty"`
	PropertyID       string    `json:"property_id"`
	OwnerID          string    `json:"owner_id"`
	ExternalID       *string   `json:"external_id,omitempty"`
	CheckIn          time.Time `json:"check_in"`
	CheckOut         time.Time `json:"check_out"`
	Status           Status    `json:"status,omitempty"`
	PreviousStatus   Status    `json:"previous_status,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Conflicts        []string  `json:"conflicts,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewReservationEvent は予約からイベントを作成します
func NewReservationEvent(eventType EventType, r Reservation, now time.Time) ReservationEvent {
	return ReservationEvent{
		Type:             eventType,
		ReservationID:    r.ID,
		BookingReference: r.BookingReference,
		PropertyID:       r.PropertyID,
		OwnerID:          r.OwnerID,
		ExternalID:       r.ExternalID,
		CheckIn:          r.CheckIn,
		CheckOut:         r.CheckOut,
		Status:           r.Status,
		CreatedAt:        now,
	}
}

// NewStatusChangedEvent はステータス遷移のイベントを作成します
func NewStatusChangedEvent(r Reservation, previous Status, now time.Time) ReservationEvent {
	event := NewReservationEvent(EventStatusChanged, r, now)
	event.PreviousStatus = previous
	if r.CancellationReason != nil {
		event.Reason = *r.CancellationReason
	}
	return event
}

// NewRejectedEvent は受付できなかった予約のイベントを作成します
// 空き状況による拒否の場合は重複した予約番号を含めます
func NewRejectedEvent(propertyID, ownerID string, externalID *string, in Interval, err error, now time.Time) ReservationEvent {
	event := ReservationEvent{
		Type:       EventFailed,
		PropertyID: propertyID,
		OwnerID:    ownerID,
		ExternalID: externalID,
		CheckIn:    in.CheckIn,
		CheckOut:   in.CheckOut,
		Reason:     err.Error(),
		CreatedAt:  now,
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		event.Type = EventRejected
		event.Reason = string(conflict.Availability.Reason)
		for _, c := range conflict.Availability.Conflicts {
			event.Conflicts = append(event.Conflicts, c.BookingReference)
		}
	}
	return event
}

// Summary はログ出力用の1行の説明を返します
func (e ReservationEvent) Summary() string {
	ref := e.BookingReference
	if ref == "" && e.ExternalID != nil {
		ref = *e.ExternalID
	}
	s := fmt.Sprintf("%s property=%s ref=%s %s..%s", e.Type, e.PropertyID, ref,
		e.CheckIn.Format(time.DateOnly), e.CheckOut.Format(time.DateOnly))
	if e.Status != "" {
		s += " status=" + string(e.Status)
	}
	if e.Reason != "" {
		s += " reason=" + e.Reason
	}
	return s
}
