package model

import (
	"slices"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
)

// Action は予約ステータスを遷移させる操作です
type Action string

const (
	ActionConfirm    Action = "confirm"
	ActionCheckIn    Action = "check_in"
	ActionCheckOut   Action = "check_out"
	ActionCancel     Action = "cancel"
	ActionMarkNoShow Action = "mark_no_show"
)

type transition struct {
	from []Status
	to   Status
}

// 遷移表。ここにない組み合わせはすべて不正な遷移です
var transitions = map[Action]transition{
	ActionConfirm:  {from: []Status{StatusPending}, to: StatusConfirmed},
	ActionCheckIn:  {from: []Status{StatusConfirmed}, to: StatusCheckedIn},
	ActionCheckOut: {from: []Status{StatusCheckedIn}, to: StatusCompleted},
	ActionCancel:   {from: []Status{StatusPending, StatusConfirmed, StatusCheckedIn}, to: StatusCancelled},
	// NO_SHOW は管理者が手動で設定する。時間経過による自動遷移はない
	ActionMarkNoShow: {from: []Status{StatusPending, StatusConfirmed, StatusCheckedIn, StatusCheckedOut}, to: StatusNoShow},
}

// ParseAction は文字列を Action に変換します
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := transitions[a]; !ok {
		return "", apperror.Validationf("unknown lifecycle action %q", s)
	}
	return a, nil
}

// NextStatus は現在のステータスに操作を適用した遷移先を返します
// 不正な遷移の場合は現在のステータスと遷移先を含む Validation エラーを返します
func NextStatus(current Status, action Action) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", apperror.Validationf("unknown lifecycle action %q", action)
	}
	if !slices.Contains(t.from, current) {
		return "", apperror.Validationf("cannot %s reservation: status %s cannot transition to %s", action, current, t.to)
	}
	return t.to, nil
}
