package reservation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxReferenceAttempts は予約番号の重複時に作成を試みる最大回数です
const maxReferenceAttempts = 3

// CreateInput は新しい予約の受付に必要な入力です
// 入居者(TenantID)またはゲスト名のどちらかが必要です
type CreateInput struct {
	OwnerID        string           `json:"owner_id" validate:"required"`
	PropertyID     string           `json:"property_id" validate:"required"`
	TenantID       *string          `json:"tenant_id,omitempty" validate:"omitempty,min=1"`
	GuestName      *string          `json:"guest_name,omitempty" validate:"omitempty,min=1,max=200"`
	GuestEmail     *string          `json:"guest_email,omitempty" validate:"omitempty,email"`
	GuestPhone     *string          `json:"guest_phone,omitempty" validate:"omitempty,max=50"`
	CheckIn        time.Time        `json:"check_in" validate:"required"`
	CheckOut       time.Time        `json:"check_out" validate:"required"`
	NumberOfGuests int              `json:"number_of_guests" validate:"gte=1"`
	TotalAmount    *decimal.Decimal `json:"total_amount,omitempty"`
	Source         model.Source     `json:"source,omitempty" validate:"omitempty,oneof=DIRECT AIRBNB BOOKING_COM VRBO OTHER"`
	ExternalID     *string          `json:"external_id,omitempty" validate:"omitempty,min=1"`
	Notes          *string          `json:"notes,omitempty"`
}

// CheckAvailability は物件の指定期間が予約可能かを判定します
// 滞在日数の制約違反と日程の重複は Reason で区別されます
func (s *Service) CheckAvailability(ctx context.Context, propertyID string, checkIn, checkOut time.Time, excludeID string) (*model.Availability, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.CheckAvailability")
	defer seg.Close(nil)

	in, err := model.NewInterval(checkIn, checkOut)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	if err := s.requireFuture(in.CheckIn); err != nil {
		seg.Close(err)
		return nil, err
	}

	property, err := s.loadProperty(ctx, propertyID, "")
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	availability, err := s.availability(ctx, s.reservations, property, in, excludeID)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	return availability, nil
}

// CalculatePricing は物件の料金設定から見積もりを計算します。予約は作成しません
func (s *Service) CalculatePricing(ctx context.Context, propertyID string, checkIn, checkOut time.Time) (*model.Pricing, error) {
	in, err := model.NewInterval(checkIn, checkOut)
	if err != nil {
		return nil, err
	}
	property, err := s.loadProperty(ctx, propertyID, "")
	if err != nil {
		return nil, err
	}
	pricing := model.CalculatePricing(*property, in)
	return &pricing, nil
}

// Create は空き状況を確認して予約を CONFIRMED で作成します
// 確認と書き込みは物件ロックの中で行い、同じ物件への同時受付と競合しません
func (s *Service) Create(ctx context.Context, input CreateInput) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Create")
	defer seg.Close(nil)

	if err := s.validateCreate(input); err != nil {
		seg.Close(err)
		return nil, err
	}
	in, err := model.NewInterval(input.CheckIn, input.CheckOut)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	if err := s.requireFuture(in.CheckIn); err != nil {
		seg.Close(err)
		return nil, err
	}

	property, err := s.loadProperty(ctx, input.PropertyID, input.OwnerID)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	var created *model.Reservation
	for attempt := 1; ; attempt++ {
		err = s.reservations.WithPropertyLock(ctx, property.ID, func(ctx context.Context, store repository.ReservationStore) error {
			availability, err := s.availability(ctx, store, property, in, "")
			if err != nil {
				return err
			}
			if !availability.Available {
				return &model.ConflictError{Availability: *availability}
			}

			now := s.now()
			r := newReservation(input, property, in, s.newReference(now), now)
			if err := store.Create(ctx, r); err != nil {
				return err
			}
			created = r
			return nil
		})
		// 予約番号が重複した場合は番号を振り直して再試行する
		if attempt < maxReferenceAttempts && errors.Is(err, repository.ErrDuplicateBookingReference) {
			log.Printf("Booking reference collision for property %s, retrying (attempt %d)", property.ID, attempt)
			continue
		}
		break
	}
	if err != nil {
		err = s.explainConflict(ctx, property, in, "", err)
		seg.Close(err)
		return nil, err
	}

	if err := seg.AddMetadata("booking_reference", created.BookingReference); err != nil {
		log.Printf("Failed to add booking reference metadata: %v", err)
	}
	return created, nil
}

// Update は予約を部分更新します
// 更新は物件ロックの中で最新の予約を読み直してから行い、同じ予約への入金や日程変更と競合しません
// 日程を変更する場合は自分自身を除外して空き状況を再確認し、予約時の料金で再計算します
func (s *Service) Update(ctx context.Context, id, ownerID string, patch model.ReservationPatch) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Update")
	defer seg.Close(nil)

	if err := s.validatePatch(patch); err != nil {
		seg.Close(err)
		return nil, err
	}

	current, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	property, err := s.loadProperty(ctx, current.PropertyID, "")
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	var (
		updated *model.Reservation
		in      model.Interval
	)
	err = s.reservations.WithPropertyLock(ctx, property.ID, func(ctx context.Context, store repository.ReservationStore) error {
		latest, err := store.GetByID(ctx, id)
		if err != nil {
			return err
		}

		if !patch.ChangesDates() {
			if err := checkAmounts(*latest, patch); err != nil {
				return err
			}
			updated, err = store.Update(ctx, id, patch, s.now())
			return err
		}

		in, err = patchedInterval(*latest, patch)
		if err != nil {
			return err
		}
		if latest.Status.IsTerminal() {
			return apperror.Validationf("cannot change dates of reservation %s in status %s", id, latest.Status)
		}
		// チェックアウトのみの変更(滞在中の延長など)には過去日の制約を適用しない
		if !in.CheckIn.Equal(latest.CheckIn) {
			if err := s.requireFuture(in.CheckIn); err != nil {
				return err
			}
		}

		availability, err := s.availability(ctx, store, property, in, id)
		if err != nil {
			return err
		}
		if !availability.Available {
			return &model.ConflictError{Availability: *availability}
		}

		p := patch
		if p.TotalAmount == nil {
			pricing := latest.Reprice(in)
			p.TotalAmount = &pricing.TotalAmount
			if p.ServiceFee == nil {
				p.ServiceFee = &pricing.ServiceFee
			}
		}
		if err := checkAmounts(*latest, p); err != nil {
			return err
		}

		updated, err = store.Update(ctx, id, p, s.now())
		return err
	})
	if err != nil {
		if patch.ChangesDates() && !in.CheckIn.IsZero() {
			err = s.explainConflict(ctx, property, in, id, err)
		}
		seg.Close(err)
		return nil, err
	}
	return updated, nil
}

// patchedInterval は予約の日程にパッチを重ねた滞在区間を返します
func patchedInterval(r model.Reservation, patch model.ReservationPatch) (model.Interval, error) {
	checkIn, checkOut := r.CheckIn, r.CheckOut
	if patch.CheckIn != nil {
		checkIn = *patch.CheckIn
	}
	if patch.CheckOut != nil {
		checkOut = *patch.CheckOut
	}
	return model.NewInterval(checkIn, checkOut)
}

// Get は所有者の予約を取得します
func (s *Service) Get(ctx context.Context, id, ownerID string) (*model.Reservation, error) {
	return s.loadOwned(ctx, id, ownerID)
}

// ListByProperty は物件の予約一覧を返します。activeOnly の場合はキャンセルと不泊を除きます
func (s *Service) ListByProperty(ctx context.Context, propertyID, ownerID string, activeOnly bool) ([]model.Reservation, error) {
	if _, err := s.loadProperty(ctx, propertyID, ownerID); err != nil {
		return nil, err
	}
	return s.reservations.ListByProperty(ctx, propertyID, activeOnly)
}

// FindByExternalID は外部チャネルの予約IDで予約を検索します。見つからない場合は nil を返します
func (s *Service) FindByExternalID(ctx context.Context, propertyID, ownerID string, source model.Source, externalID string) (*model.Reservation, error) {
	if _, err := s.loadProperty(ctx, propertyID, ownerID); err != nil {
		return nil, err
	}
	return s.reservations.FindByExternalID(ctx, propertyID, source, externalID)
}

// Delete は予約を物理削除します。管理者向けの操作でライフサイクルの制約は適用しません
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.loadOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.reservations.Delete(ctx, id)
}

// availability は滞在日数の制約、日程の重複の順に判定します
func (s *Service) availability(ctx context.Context, store repository.ReservationStore, property *model.Property, in model.Interval, excludeID string) (*model.Availability, error) {
	nights := in.Nights()
	a := &model.Availability{
		PropertyID: property.ID,
		Interval:   in,
		Nights:     nights,
		Conflicts:  []model.Reservation{},
	}

	if property.MinimumStay != nil && nights < *property.MinimumStay {
		a.Reason = model.ReasonMinimumStay
		a.Bound = property.MinimumStay
		return a, nil
	}
	if property.MaximumStay != nil && nights > *property.MaximumStay {
		a.Reason = model.ReasonMaximumStay
		a.Bound = property.MaximumStay
		return a, nil
	}

	conflicts, err := store.FindOverlapping(ctx, property.ID, in, excludeID)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		a.Reason = model.ReasonOverlappingReservation
		a.Conflicts = conflicts
		return a, nil
	}

	a.Available = true
	return a, nil
}

// explainConflict はデータベースの排他制約で拒否された場合に、重複した予約を付けた ConflictError に置き換えます
func (s *Service) explainConflict(ctx context.Context, property *model.Property, in model.Interval, excludeID string, err error) error {
	var conflict *model.ConflictError
	if errors.As(err, &conflict) || !errors.Is(err, apperror.ErrAvailabilityConflict) {
		return err
	}

	conflicts, findErr := s.reservations.FindOverlapping(ctx, property.ID, in, excludeID)
	if findErr != nil {
		return err
	}
	return &model.ConflictError{Availability: model.Availability{
		Reason:     model.ReasonOverlappingReservation,
		PropertyID: property.ID,
		Interval:   in,
		Nights:     in.Nights(),
		Conflicts:  conflicts,
	}}
}

func (s *Service) requireFuture(checkIn time.Time) error {
	now := s.now()
	if checkIn.Before(now) {
		return apperror.Validationf("check-in %s is in the past (now %s)", checkIn.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

func (s *Service) validateCreate(input CreateInput) error {
	if err := s.validate.Struct(input); err != nil {
		return validationError(err)
	}
	if !hasText(input.TenantID) && !hasText(input.GuestName) {
		return apperror.Validationf("either tenant_id or guest_name is required")
	}
	if input.TotalAmount != nil && !input.TotalAmount.IsPositive() {
		return apperror.Validationf("total_amount must be positive, got %s", input.TotalAmount)
	}
	return nil
}

func (s *Service) validatePatch(p model.ReservationPatch) error {
	if p.NumberOfGuests != nil && *p.NumberOfGuests < 1 {
		return apperror.Validationf("number_of_guests must be at least 1, got %d", *p.NumberOfGuests)
	}
	if p.GuestEmail != nil && *p.GuestEmail != "" {
		if err := s.validate.Var(*p.GuestEmail, "email"); err != nil {
			return apperror.Validationf("guest_email %q is not a valid email address", *p.GuestEmail)
		}
	}
	if p.TotalAmount != nil && !p.TotalAmount.IsPositive() {
		return apperror.Validationf("total_amount must be positive, got %s", p.TotalAmount)
	}
	if p.ServiceFee != nil && p.ServiceFee.IsNegative() {
		return apperror.Validationf("service_fee must not be negative, got %s", p.ServiceFee)
	}
	if p.AmountPaid != nil && p.AmountPaid.IsNegative() {
		return apperror.Validationf("amount_paid must not be negative, got %s", p.AmountPaid)
	}
	return nil
}

// checkAmounts はパッチ適用後の合計額が支払済額を下回らないことを確認します
func checkAmounts(r model.Reservation, p model.ReservationPatch) error {
	total, paid := r.TotalAmount, r.AmountPaid
	if p.TotalAmount != nil {
		total = *p.TotalAmount
	}
	if p.AmountPaid != nil {
		paid = *p.AmountPaid
	}
	if paid.GreaterThan(total) {
		return apperror.Validationf("total amount %s is below amount paid %s for reservation %s", total.StringFixed(2), paid.StringFixed(2), r.ID)
	}
	return nil
}

func newReservation(input CreateInput, property *model.Property, in model.Interval, reference string, now time.Time) *model.Reservation {
	pricing := model.CalculatePricing(*property, in)
	total := pricing.TotalAmount
	// 明示された合計額は計算結果より優先する
	if input.TotalAmount != nil {
		total = *input.TotalAmount
	}

	source := input.Source
	if source == "" {
		source = model.SourceDirect
	}

	r := &model.Reservation{
		ID:               uuid.NewString(),
		BookingReference: reference,
		OwnerID:          property.OwnerID,
		PropertyID:       property.ID,
		TenantID:         input.TenantID,
		GuestName:        input.GuestName,
		GuestEmail:       input.GuestEmail,
		GuestPhone:       input.GuestPhone,
		CheckIn:          in.CheckIn,
		CheckOut:         in.CheckOut,
		NumberOfNights:   pricing.Nights,
		NumberOfGuests:   input.NumberOfGuests,
		BaseRate:         property.DailyRate,
		CleaningFee:      pricing.CleaningFee,
		ServiceFee:       pricing.ServiceFee,
		Status:           model.StatusConfirmed,
		Source:           source,
		ExternalID:       input.ExternalID,
		Notes:            input.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.SetAmounts(total, decimal.Zero)
	return r
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperror.Wrap(apperror.KindValidation, err, "invalid reservation input")
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return apperror.Wrap(apperror.KindValidation, err, "invalid reservation input: "+strings.Join(msgs, ", "))
}

func hasText(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
