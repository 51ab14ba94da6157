package reservation

import (
	"context"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository"
	"github.com/go-playground/validator/v10"
)

// Service は予約の受付、更新、ライフサイクル遷移を担当します
// 予約の書き込みはすべてこのサービスを経由します
type Service struct {
	reservations repository.ReservationRepository
	properties   repository.PropertyRepository
	validate     *validator.Validate
	now          func() time.Time
	newReference func(time.Time) string
}

// Option は Service の設定です
type Option func(*Service)

// WithClock は現在時刻の取得方法を差し替えます
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithReferenceGenerator は予約番号の生成方法を差し替えます
func WithReferenceGenerator(gen func(time.Time) string) Option {
	return func(s *Service) {
		s.newReference = gen
	}
}

// NewService は新しいServiceを作成します
func NewService(reservations repository.ReservationRepository, properties repository.PropertyRepository, opts ...Option) *Service {
	s := &Service{
		reservations: reservations,
		properties:   properties,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		now:          func() time.Time { return time.Now().UTC() },
		newReference: model.NewBookingReference,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loadOwned は予約を取得し、ownerID が所有者であることを確認します
func (s *Service) loadOwned(ctx context.Context, id, ownerID string) (*model.Reservation, error) {
	r, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != ownerID {
		return nil, apperror.Forbiddenf("owner %s does not own reservation %s", ownerID, id)
	}
	return r, nil
}

// loadProperty は物件を取得し、ownerID が所有者であることを確認します
// ownerID が空の場合は所有者の確認を行いません
func (s *Service) loadProperty(ctx context.Context, propertyID, ownerID string) (*model.Property, error) {
	p, err := s.properties.GetByID(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && p.OwnerID != ownerID {
		return nil, apperror.Forbiddenf("owner %s does not own property %s", ownerID, propertyID)
	}
	return p, nil
}
