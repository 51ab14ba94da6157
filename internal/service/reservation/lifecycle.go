package reservation

import (
	"context"
	"strings"

	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/aws/aws-xray-sdk-go/xray"
)

// Confirm は PENDING の予約を確定します
func (s *Service) Confirm(ctx context.Context, id, ownerID string) (*model.Reservation, model.ReservationEvent, error) {
	return s.Transition(ctx, id, ownerID, model.ActionConfirm, "")
}

// CheckIn は CONFIRMED の予約をチェックイン済みにします
func (s *Service) CheckIn(ctx context.Context, id, ownerID string) (*model.Reservation, model.ReservationEvent, error) {
	return s.Transition(ctx, id, ownerID, model.ActionCheckIn, "")
}

// CheckOut は滞在中の予約を完了にします
func (s *Service) CheckOut(ctx context.Context, id, ownerID string) (*model.Reservation, model.ReservationEvent, error) {
	return s.Transition(ctx, id, ownerID, model.ActionCheckOut, "")
}

// Cancel は予約をキャンセルします。予約は削除されず、重複判定の対象から外れます
func (s *Service) Cancel(ctx context.Context, id, ownerID, reason string) (*model.Reservation, model.ReservationEvent, error) {
	return s.Transition(ctx, id, ownerID, model.ActionCancel, reason)
}

// MarkNoShow は予約を不泊にします。管理者が手動で行う操作です
func (s *Service) MarkNoShow(ctx context.Context, id, ownerID string) (*model.Reservation, model.ReservationEvent, error) {
	return s.Transition(ctx, id, ownerID, model.ActionMarkNoShow, "")
}

// Transition は予約に操作を適用し、遷移後の予約とステータス変更イベントを返します
// 読み込み後に別の操作でステータスが変わっていた場合は Validation エラーになります
func (s *Service) Transition(ctx context.Context, id, ownerID string, action model.Action, reason string) (*model.Reservation, model.ReservationEvent, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Transition")
	defer seg.Close(nil)

	current, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		seg.Close(err)
		return nil, model.ReservationEvent{}, err
	}

	next, err := model.NextStatus(current.Status, action)
	if err != nil {
		seg.Close(err)
		return nil, model.ReservationEvent{}, err
	}

	var cancellationReason *string
	if action == model.ActionCancel {
		if r := strings.TrimSpace(reason); r != "" {
			cancellationReason = &r
		}
	}

	updated, err := s.reservations.UpdateStatus(ctx, id, current.Status, next, cancellationReason, s.now())
	if err != nil {
		seg.Close(err)
		return nil, model.ReservationEvent{}, err
	}

	return updated, model.NewStatusChangedEvent(*updated, current.Status, s.now()), nil
}
