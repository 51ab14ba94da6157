package model

import "github.com/shopspring/decimal"

// Property は物件情報のうち予約の受付判定と料金計算に必要な項目です
// 物件自体の管理は外部のコラボレーターが行い、ここでは読み取りのみ行います
type Property struct {
	ID          string          `db:"id" json:"id"`
	OwnerID     string          `db:"owner_id" json:"owner_id"`
	Name        string          `db:"name" json:"name"`
	DailyRate   decimal.Decimal `db:"daily_rate" json:"daily_rate"`
	CleaningFee decimal.Decimal `db:"cleaning_fee" json:"cleaning_fee"`
	MinimumStay *int            `db:"minimum_stay" json:"minimum_stay,omitempty"`
	MaximumStay *int            `db:"maximum_stay" json:"maximum_stay,omitempty"`
}
