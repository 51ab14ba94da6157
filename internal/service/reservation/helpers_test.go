package reservation

import (
	"testing"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository/memory"
	"github.com/shopspring/decimal"
)

const (
	testOwnerID    = "owner-1"
	testPropertyID = "prop-1"
)

// testClock はテスト用の固定時計です
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr[T any](v T) *T {
	return &v
}

func testProperty() model.Property {
	return model.Property{
		ID:          testPropertyID,
		OwnerID:     testOwnerID,
		Name:        "海辺のコテージ",
		DailyRate:   dec("1000"),
		CleaningFee: dec("200"),
	}
}

// newTestService はメモリストアを使うServiceを作成します。時計は 2025-03-01 に固定されます
func newTestService(t *testing.T, opts ...memory.Option) (*Service, *memory.ReservationStore, *memory.PropertyStore, *testClock) {
	t.Helper()
	clock := &testClock{now: date("2025-03-01")}
	reservations := memory.NewReservationStore(opts...)
	properties := memory.NewPropertyStore(testProperty())
	return NewService(reservations, properties, WithClock(clock.Now)), reservations, properties, clock
}

func guestInput(from, to string) CreateInput {
	return CreateInput{
		OwnerID:        testOwnerID,
		PropertyID:     testPropertyID,
		GuestName:      ptr("山田太郎"),
		GuestEmail:     ptr("yamada@example.com"),
		CheckIn:        date(from),
		CheckOut:       date(to),
		NumberOfGuests: 2,
	}
}

func seeded(id string, status model.Status, from, to string) model.Reservation {
	r := model.Reservation{
		ID:               id,
		BookingReference: "BK-250301-" + id,
		OwnerID:          testOwnerID,
		PropertyID:       testPropertyID,
		GuestName:        ptr("佐藤花子"),
		CheckIn:          date(from),
		CheckOut:         date(to),
		NumberOfGuests:   2,
		BaseRate:         dec("1000"),
		CleaningFee:      dec("200"),
		Status:           status,
		Source:           model.SourceDirect,
	}
	r.NumberOfNights = r.Interval().Nights()
	r.SetAmounts(dec("3350"), decimal.Zero)
	return r
}
