package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
)

const day = 24 * time.Hour

// Interval は滞在期間を表す半開区間 [CheckIn, CheckOut) です
// チェックアウト時刻と次の予約のチェックイン時刻が同じでも重複にはなりません
type Interval struct {
	CheckIn  time.Time `json:"check_in"`
	CheckOut time.Time `json:"check_out"`
}

// NewInterval はチェックインがチェックアウトより前であることを検証して区間を作成します
func NewInterval(checkIn, checkOut time.Time) (Interval, error) {
	if !checkIn.Before(checkOut) {
		return Interval{}, apperror.Validationf("check-in %s must be before check-out %s",
			checkIn.Format(time.RFC3339), checkOut.Format(time.RFC3339))
	}
	return Interval{CheckIn: checkIn, CheckOut: checkOut}, nil
}

// Overlaps は2つの半開区間が1瞬でも共有する場合に true を返します
func Overlaps(a, b Interval) bool {
	return a.CheckIn.Before(b.CheckOut) && b.CheckIn.Before(a.CheckOut)
}

// Overlaps は区間 other との重複を判定します
func (i Interval) Overlaps(other Interval) bool {
	return Overlaps(i, other)
}

// Nights は ceil((CheckOut - CheckIn) / 1日) を返します
func (i Interval) Nights() int {
	d := i.CheckOut.Sub(i.CheckIn)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(d) / float64(day)))
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.CheckIn.Format(time.RFC3339), i.CheckOut.Format(time.RFC3339))
}

// ParseInstant はISO-8601の日付(2006-01-02、UTCの0時)または日時(RFC3339)を解析します
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, apperror.Validationf("invalid ISO-8601 date or datetime %q", s)
}
