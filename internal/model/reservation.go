package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status は予約のライフサイクル上のステータスです
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusCheckedOut Status = "CHECKED_OUT"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// IsActive は重複判定の対象となるステータスかを返します
func (s Status) IsActive() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// IsTerminal はこれ以上遷移できないステータスかを返します
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// PaymentStatus は支払額から導出される支払状況です
type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "PENDING"
	PaymentPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentPaid          PaymentStatus = "PAID"
)

// DerivePaymentStatus は合計額と支払済額から支払状況を求めます
func DerivePaymentStatus(total, paid decimal.Decimal) PaymentStatus {
	switch {
	case paid.LessThanOrEqual(decimal.Zero):
		return PaymentPending
	case paid.GreaterThanOrEqual(total):
		return PaymentPaid
	default:
		return PaymentPartiallyPaid
	}
}

// Source は予約の流入元チャネルです
type Source string

const (
	SourceDirect     Source = "DIRECT"
	SourceAirbnb     Source = "AIRBNB"
	SourceBookingCom Source = "BOOKING_COM"
	SourceVrbo       Source = "VRBO"
	SourceOther      Source = "OTHER"
)

// Reservation は物件に対する予約です
type Reservation struct {
	ID               string  `db:"id" json:"id"`
	BookingReference string  `db:"booking_reference" json:"booking_reference"`
	OwnerID          string  `db:"owner_id" json:"owner_id"`
	PropertyID       string  `db:"property_id" json:"property_id"`
	TenantID         *string `db:"tenant_id" json:"tenant_id,omitempty"`
	GuestName        *string `db:"guest_name" json:"guest_name,omitempty"`
	GuestEmail       *string `db:"guest_email" json:"guest_email,omitempty"`
	GuestPhone       *string `db:"guest_phone" json:"guest_phone,omitempty"`

	CheckIn        time.Time `db:"check_in" json:"check_in"`
	CheckOut       time.Time `db:"check_out" json:"check_out"`
	NumberOfNights int       `db:"number_of_nights" json:"number_of_nights"`
	NumberOfGuests int       `db:"number_of_guests" json:"number_of_guests"`

	// 予約時点の料金。物件の現在の料金とは連動しません
	BaseRate      decimal.Decimal `db:"base_rate" json:"base_rate"`
	CleaningFee   decimal.Decimal `db:"cleaning_fee" json:"cleaning_fee"`
	ServiceFee    decimal.Decimal `db:"service_fee" json:"service_fee"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	AmountPaid    decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	AmountDue     decimal.Decimal `db:"amount_due" json:"amount_due"`
	PaymentStatus PaymentStatus   `db:"payment_status" json:"payment_status"`

	Status     Status  `db:"status" json:"status"`
	Source     Source  `db:"source" json:"source"`
	ExternalID *string `db:"external_id" json:"external_id,omitempty"`
	Notes      *string `db:"notes" json:"notes,omitempty"`

	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Interval は予約の滞在区間を返します
func (r Reservation) Interval() Interval {
	return Interval{CheckIn: r.CheckIn, CheckOut: r.CheckOut}
}

// SetAmounts は合計額と支払済額から未払額と支払状況を再計算します
// AmountPaid + AmountDue == TotalAmount を常に満たします
func (r *Reservation) SetAmounts(total, paid decimal.Decimal) {
	r.TotalAmount = total.Round(2)
	r.AmountPaid = paid.Round(2)
	r.AmountDue = r.TotalAmount.Sub(r.AmountPaid)
	r.PaymentStatus = DerivePaymentStatus(r.TotalAmount, r.AmountPaid)
}

// ReservationPatch は予約の部分更新です。nil のフィールドは変更しません
type ReservationPatch struct {
	CheckIn        *time.Time       `json:"check_in,omitempty"`
	CheckOut       *time.Time       `json:"check_out,omitempty"`
	NumberOfGuests *int             `json:"number_of_guests,omitempty"`
	TenantID       *string          `json:"tenant_id,omitempty"`
	GuestName      *string          `json:"guest_name,omitempty"`
	GuestEmail     *string          `json:"guest_email,omitempty"`
	GuestPhone     *string          `json:"guest_phone,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
	ServiceFee     *decimal.Decimal `json:"service_fee,omitempty"`
	TotalAmount    *decimal.Decimal `json:"total_amount,omitempty"`
	AmountPaid     *decimal.Decimal `json:"amount_paid,omitempty"`
}

// ChangesDates はチェックインまたはチェックアウトを変更するパッチかを返します
func (p ReservationPatch) ChangesDates() bool {
	return p.CheckIn != nil || p.CheckOut != nil
}

// Apply はパッチを予約にマージします。ID と BookingReference は変更しません
func (r *Reservation) Apply(p ReservationPatch, now time.Time) {
	if p.CheckIn != nil {
		r.CheckIn = *p.CheckIn
	}
	if p.CheckOut != nil {
		r.CheckOut = *p.CheckOut
	}
	r.NumberOfNights = r.Interval().Nights()

	if p.NumberOfGuests != nil {
		r.NumberOfGuests = *p.NumberOfGuests
	}
	if p.TenantID != nil {
		r.TenantID = p.TenantID
	}
	if p.GuestName != nil {
		r.GuestName = p.GuestName
	}
	if p.GuestEmail != nil {
		r.GuestEmail = p.GuestEmail
	}
	if p.GuestPhone != nil {
		r.GuestPhone = p.GuestPhone
	}
	if p.Notes != nil {
		r.Notes = p.Notes
	}
	if p.ServiceFee != nil {
		r.ServiceFee = p.ServiceFee.Round(2)
	}

	total, paid := r.TotalAmount, r.AmountPaid
	if p.TotalAmount != nil {
		total = *p.TotalAmount
	}
	if p.AmountPaid != nil {
		paid = *p.AmountPaid
	}
	r.SetAmounts(total, paid)
	r.UpdatedAt = now
}

// NewBookingReference は人が読める予約番号 BK-YYMMDD-XXXXXXXX を生成します
func NewBookingReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("BK-%s-%s", now.UTC().Format("060102"), suffix)
}
