package model

import "github.com/shopspring/decimal"

// ServiceFeeRate は基本料金に対するサービス料の固定料率(5%)です
var ServiceFeeRate = decimal.New(5, -2)

// Pricing は見積もりの内訳です
type Pricing struct {
	Nights      int             `json:"nights"`
	DailyRate   decimal.Decimal `json:"daily_rate"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
	CleaningFee decimal.Decimal `json:"cleaning_fee"`
	ServiceFee  decimal.Decimal `json:"service_fee"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// CalculatePricing は物件の料金設定と滞在区間から料金を計算します
// 副作用はなく、予約の受付とは独立して見積もりに使えます
func CalculatePricing(p Property, in Interval) Pricing {
	return priceNights(in.Nights(), p.DailyRate, p.CleaningFee)
}

func priceNights(nights int, dailyRate, cleaningFee decimal.Decimal) Pricing {
	base := dailyRate.Mul(decimal.NewFromInt(int64(nights))).Round(2)
	serviceFee := base.Mul(ServiceFeeRate).Round(2)
	cleaning := cleaningFee.Round(2)
	return Pricing{
		Nights:      nights,
		DailyRate:   dailyRate,
		BaseAmount:  base,
		CleaningFee: cleaning,
		ServiceFee:  serviceFee,
		TotalAmount: base.Add(cleaning).Add(serviceFee),
	}
}

// Reprice は予約時に確定した料金(BaseRate, CleaningFee)で区間の料金を再計算します
// 日程変更時に物件の現在の料金へ置き換わらないようにするためのものです
func (r Reservation) Reprice(in Interval) Pricing {
	return priceNights(in.Nights(), r.BaseRate, r.CleaningFee)
}
