package batch

import (
	"context"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/config"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository/memory"
	"github.com/Comfie/property-crm-sub001/internal/service/reservation"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/shopspring/decimal"
)

const testTaskToken = "test-task-token"

// MockTaskCallbackClient はテスト用の Step Functions クライアントです
type MockTaskCallbackClient struct {
	successOutputs []string
	successError   error
	failureCalled  bool
}

func (m *MockTaskCallbackClient) SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	if aws.ToString(params.TaskToken) != testTaskToken {
		return nil, context.Canceled
	}
	m.successOutputs = append(m.successOutputs, aws.ToString(params.Output))
	return &sfn.SendTaskSuccessOutput{}, m.successError
}

func (m *MockTaskCallbackClient) SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	m.failureCalled = true
	return &sfn.SendTaskFailureOutput{}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SFN.TaskToken = testTaskToken
	return cfg
}

func testClock() time.Time {
	return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
}

// newTestReservationService はメモリストアを使う予約サービスを作成します
func newTestReservationService() (*reservation.Service, *memory.ReservationStore) {
	store := memory.NewReservationStore()
	properties := memory.NewPropertyStore(model.Property{
		ID:          "prop-1",
		OwnerID:     "owner-1",
		Name:        "駅前の1LDK",
		DailyRate:   decimal.NewFromInt(1000),
		CleaningFee: decimal.NewFromInt(200),
	})
	return reservation.NewService(store, properties, reservation.WithClock(testClock)), store
}

func seededReservation(id string, status model.Status, source model.Source, externalID, from, to string) model.Reservation {
	checkIn, _ := time.Parse(time.DateOnly, from)
	checkOut, _ := time.Parse(time.DateOnly, to)
	r := model.Reservation{
		ID:               id,
		BookingReference: "BK-250301-" + id,
		OwnerID:          "owner-1",
		PropertyID:       "prop-1",
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		NumberOfGuests:   2,
		BaseRate:         decimal.NewFromInt(1000),
		CleaningFee:      decimal.NewFromInt(200),
		Status:           status,
		Source:           source,
	}
	if externalID != "" {
		r.ExternalID = &externalID
	}
	r.NumberOfNights = r.Interval().Nights()
	r.SetAmounts(decimal.NewFromInt(3350), decimal.Zero)
	return r
}
