package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/common/config"
	"github.com/Comfie/property-crm-sub001/internal/common/utils"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/service/reservation"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ChannelBooking は外部チャネル(Airbnb など)のカレンダーから取り込む予約です
type ChannelBooking struct {
	PropertyID     string           `json:"property_id" validate:"required"`
	OwnerID        string           `json:"owner_id" validate:"required"`
	Source         model.Source     `json:"source" validate:"required,oneof=AIRBNB BOOKING_COM VRBO OTHER"`
	ExternalID     string           `json:"external_id" validate:"required"`
	CheckIn        string           `json:"check_in" validate:"required"`
	CheckOut       string           `json:"check_out" validate:"required"`
	GuestName      *string          `json:"guest_name,omitempty"`
	GuestEmail     *string          `json:"guest_email,omitempty"`
	GuestPhone     *string          `json:"guest_phone,omitempty"`
	NumberOfGuests int              `json:"number_of_guests,omitempty" validate:"gte=0"`
	TotalAmount    *decimal.Decimal `json:"total_amount,omitempty"`
	Cancelled      bool             `json:"cancelled,omitempty"`
}

// Interval はチェックイン、チェックアウトを解析して滞在区間を返します
func (b ChannelBooking) Interval() (model.Interval, error) {
	checkIn, err := model.ParseInstant(b.CheckIn)
	if err != nil {
		return model.Interval{}, err
	}
	checkOut, err := model.ParseInstant(b.CheckOut)
	if err != nil {
		return model.Interval{}, err
	}
	return model.NewInterval(checkIn, checkOut)
}

// ParseChannelBookings はタスクトークンのJSONから取り込む予約を読み取ります
func ParseChannelBookings(payload string) ([]ChannelBooking, error) {
	var input struct {
		Bookings []ChannelBooking `json:"bookings"`
	}
	if err := json.Unmarshal([]byte(payload), &input); err != nil {
		return nil, fmt.Errorf("failed to parse task token: %w", err)
	}

	validate := validator.New()
	for i, b := range input.Bookings {
		if err := validate.Struct(b); err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, err, fmt.Sprintf("invalid booking at index %d", i))
		}
	}
	return input.Bookings, nil
}

// ChannelImportOutput は Step Functions に返す取り込み結果です
type ChannelImportOutput struct {
	Events []model.ReservationEvent `json:"events"`
}

// ChannelImportBatchService は外部チャネルの予約取り込みバッチ処理を担当します
type ChannelImportBatchService struct {
	args         []ChannelBooking
	backend      *backend
	reservations *reservation.Service
	sfnClient    TaskCallbackClient
	cfg          *config.Config
	now          func() time.Time
}

// NewChannelImportBatchService は新しいChannelImportBatchServiceを作成します
func NewChannelImportBatchService(cfg *config.Config, sfnClient TaskCallbackClient) (*ChannelImportBatchService, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	return &ChannelImportBatchService{
		backend:      b,
		reservations: b.reservations,
		sfnClient:    sfnClient,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close は終了処理を行います
func (s *ChannelImportBatchService) Close() error {
	return s.backend.close()
}

// SetArgs は取り込む予約を設定します
func (s *ChannelImportBatchService) SetArgs(args []ChannelBooking) {
	s.args = args
}

// Run は取り込みバッチ処理を実行します
func (s *ChannelImportBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "ChannelImportBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()
	log.Printf("Starting channel import batch process for %d bookings...", len(s.args))

	if err := s.backend.migrate(ctx, s.cfg); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(err)
	}

	events, err := s.importBookings(ctx)
	if err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to import channel bookings: %w", err))
	}

	// イベントを発行
	if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg.SFN.TaskToken, ChannelImportOutput{Events: events}); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	duration := time.Since(startTime)

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}
	if err := seg.AddMetadata("event_counts", countByType(events)); err != nil {
		log.Printf("Failed to add event_counts metadata: %v", err)
	}

	log.Printf("Channel import batch process completed successfully. Duration: %v", duration)
	return nil
}

// importBookings は予約を1件ずつ取り込みます
// 受付できなかった予約はイベントとして記録して処理を続け、ストア障害の場合は中断します
func (s *ChannelImportBatchService) importBookings(ctx context.Context) ([]model.ReservationEvent, error) {
	events := make([]model.ReservationEvent, 0, len(s.args))

	for _, booking := range s.args {
		event, err := s.importBooking(ctx, booking)
		if err != nil {
			if isFatal(err) {
				return nil, fmt.Errorf("booking %s/%s: %w", booking.Source, booking.ExternalID, err)
			}
			in, _ := booking.Interval()
			externalID := booking.ExternalID
			event = model.NewRejectedEvent(booking.PropertyID, booking.OwnerID, &externalID, in, err, s.now())
		}

		log.Printf("Imported booking %s/%s: %s", booking.Source, booking.ExternalID, event.Summary())
		events = append(events, event)
	}

	return events, nil
}

// importBooking は外部IDで既存の予約を探し、作成、日程変更、キャンセル、スキップのいずれかを行います
func (s *ChannelImportBatchService) importBooking(ctx context.Context, booking ChannelBooking) (model.ReservationEvent, error) {
	in, err := booking.Interval()
	if err != nil {
		return model.ReservationEvent{}, err
	}

	existing, err := s.reservations.FindByExternalID(ctx, booking.PropertyID, booking.OwnerID, booking.Source, booking.ExternalID)
	if err != nil {
		return model.ReservationEvent{}, err
	}

	switch {
	case existing == nil && booking.Cancelled:
		return model.ReservationEvent{}, apperror.NotFoundf("cancelled booking %s/%s was never imported", booking.Source, booking.ExternalID)

	case existing == nil:
		created, err := s.reservations.Create(ctx, booking.createInput(in))
		if err != nil {
			return model.ReservationEvent{}, err
		}
		return model.NewReservationEvent(model.EventAdmitted, *created, s.now()), nil

	case booking.Cancelled:
		if existing.Status.IsTerminal() {
			return model.NewReservationEvent(model.EventSkipped, *existing, s.now()), nil
		}
		_, event, err := s.reservations.Cancel(ctx, existing.ID, booking.OwnerID, fmt.Sprintf("cancelled on %s", booking.Source))
		return event, err

	case existing.CheckIn.Equal(in.CheckIn) && existing.CheckOut.Equal(in.CheckOut):
		return model.NewReservationEvent(model.EventSkipped, *existing, s.now()), nil

	default:
		updated, err := s.reservations.Update(ctx, existing.ID, booking.OwnerID, model.ReservationPatch{
			CheckIn:     &in.CheckIn,
			CheckOut:    &in.CheckOut,
			TotalAmount: booking.TotalAmount,
		})
		if err != nil {
			return model.ReservationEvent{}, err
		}
		return model.NewReservationEvent(model.EventUpdated, *updated, s.now()), nil
	}
}

func (b ChannelBooking) createInput(in model.Interval) reservation.CreateInput {
	guestName := b.GuestName
	if guestName == nil || *guestName == "" {
		name := fmt.Sprintf("%s guest %s", b.Source, b.ExternalID)
		guestName = &name
	}
	guests := b.NumberOfGuests
	if guests == 0 {
		guests = 1
	}
	externalID := b.ExternalID

	return reservation.CreateInput{
		OwnerID:        b.OwnerID,
		PropertyID:     b.PropertyID,
		GuestName:      guestName,
		GuestEmail:     b.GuestEmail,
		GuestPhone:     b.GuestPhone,
		CheckIn:        in.CheckIn,
		CheckOut:       in.CheckOut,
		NumberOfGuests: guests,
		TotalAmount:    b.TotalAmount,
		Source:         b.Source,
		ExternalID:     &externalID,
	}
}

func countByType(events []model.ReservationEvent) map[model.EventType]int {
	counts := make(map[model.EventType]int)
	for _, e := range events {
		counts[e.Type]++
	}
	return counts
}
