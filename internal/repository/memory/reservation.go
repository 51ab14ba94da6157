package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository"
)

// Option は ReservationStore の設定です
type Option func(*ReservationStore)

// WithoutExclusion はデータベースの排他制約に相当する重複チェックを無効にします
// 物件ロックだけで二重予約を防げているかを確認するテストで使います
func WithoutExclusion() Option {
	return func(s *ReservationStore) {
		s.enforceExclusion = false
	}
}

// WithReadDelay は重複検索の後に待ち時間を入れ、確認と書き込みの間の競合を起こりやすくします
func WithReadDelay(d time.Duration) Option {
	return func(s *ReservationStore) {
		s.readDelay = d
	}
}

// ReservationStore はメモリ上で repository.ReservationRepository を実装します
type ReservationStore struct {
	mu           sync.RWMutex
	reservations map[string]model.Reservation

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	enforceExclusion bool
	readDelay        time.Duration
	failure          error
	unlockedWrites   int
}

var _ repository.ReservationRepository = (*ReservationStore)(nil)

// NewReservationStore は予約を保持するメモリストアを作成します
func NewReservationStore(opts ...Option) *ReservationStore {
	s := &ReservationStore{
		reservations:     make(map[string]model.Reservation),
		locks:            make(map[string]*sync.Mutex),
		enforceExclusion: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed はチェックを行わずに予約を登録します
func (s *ReservationStore) Seed(reservations ...model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reservations {
		s.reservations[r.ID] = r
	}
}

// Fail は以降のすべての操作で err を返すようにします。nil で解除します
func (s *ReservationStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// UnlockedWrites は物件ロックの外で行われた作成と更新の回数を返します
func (s *ReservationStore) UnlockedWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlockedWrites
}

// All はすべての予約をチェックイン順に返します
func (s *ReservationStore) All() []model.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(model.Reservation) bool { return true })
}

func (s *ReservationStore) propertyLock(propertyID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[propertyID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[propertyID] = l
	}
	return l
}

// WithPropertyLock は物件ごとのミューテックスを取得して fn を実行します
// fn がエラーを返した場合は fn 内の書き込みを取り消します
func (s *ReservationStore) WithPropertyLock(ctx context.Context, propertyID string, fn func(ctx context.Context, store repository.ReservationStore) error) error {
	if err := s.failed(); err != nil {
		return err
	}

	l := s.propertyLock(propertyID)
	l.Lock()
	defer l.Unlock()

	tx := &lockedStore{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *ReservationStore) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	r, ok := s.reservations[id]
	if !ok {
		return nil, apperror.NotFoundf("reservation %s not found", id)
	}
	return &r, nil
}

func (s *ReservationStore) FindOverlapping(ctx context.Context, propertyID string, in model.Interval, excludeID string) ([]model.Reservation, error) {
	s.mu.RLock()
	if s.failure != nil {
		s.mu.RUnlock()
		return nil, s.failure
	}
	found := s.overlapping(propertyID, in, excludeID)
	s.mu.RUnlock()

	if s.readDelay > 0 {
		select {
		case <-time.After(s.readDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return found, nil
}

func (s *ReservationStore) Create(ctx context.Context, reservation *model.Reservation) error {
	_, err := s.create(reservation, false)
	return err
}

func (s *ReservationStore) Update(ctx context.Context, id string, patch model.ReservationPatch, now time.Time) (*model.Reservation, error) {
	updated, _, err := s.update(id, patch, now, false)
	return updated, err
}

func (s *ReservationStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, reason *string, now time.Time) (*model.Reservation, error) {
	updated, _, err := s.updateStatus(id, from, to, reason, now)
	return updated, err
}

func (s *ReservationStore) Delete(ctx context.Context, id string) error {
	_, err := s.delete(id)
	return err
}

func (s *ReservationStore) ListByProperty(ctx context.Context, propertyID string, activeOnly bool) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	return s.filter(func(r model.Reservation) bool {
		return r.PropertyID == propertyID && (!activeOnly || r.Status.IsActive())
	}), nil
}

func (s *ReservationStore) FindByExternalID(ctx context.Context, propertyID string, source model.Source, externalID string) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	for _, r := range s.reservations {
		if r.PropertyID == propertyID && r.Source == source && r.ExternalID != nil && *r.ExternalID == externalID {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *ReservationStore) CountByStatus(ctx context.Context, ownerID string) (map[model.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	counts := make(map[model.Status]int)
	for _, r := range s.reservations {
		if r.OwnerID == ownerID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (s *ReservationStore) UpcomingCheckIns(ctx context.Context, ownerID string, from time.Time, days int) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	to := from.AddDate(0, 0, days)
	return s.filter(func(r model.Reservation) bool {
		return r.OwnerID == ownerID &&
			(r.Status == model.StatusPending || r.Status == model.StatusConfirmed) &&
			!r.CheckIn.Before(from) && r.CheckIn.Before(to)
	}), nil
}

func (s *ReservationStore) UpcomingCheckOuts(ctx context.Context, ownerID string, from time.Time, days int) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	to := from.AddDate(0, 0, days)
	found := s.filter(func(r model.Reservation) bool {
		return r.OwnerID == ownerID && r.Status == model.StatusCheckedIn &&
			!r.CheckOut.Before(from) && r.CheckOut.Before(to)
	})
	slices.SortFunc(found, func(a, b model.Reservation) int { return a.CheckOut.Compare(b.CheckOut) })
	return found, nil
}

func (s *ReservationStore) failed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// filter は条件に一致する予約をチェックイン順に返します。呼び出し元で mu を保持している必要があります
func (s *ReservationStore) filter(match func(model.Reservation) bool) []model.Reservation {
	found := []model.Reservation{}
	for _, r := range s.reservations {
		if match(r) {
			found = append(found, r)
		}
	}
	slices.SortFunc(found, func(a, b model.Reservation) int { return a.CheckIn.Compare(b.CheckIn) })
	return found
}

func (s *ReservationStore) overlapping(propertyID string, in model.Interval, excludeID string) []model.Reservation {
	return s.filter(func(r model.Reservation) bool {
		return r.PropertyID == propertyID && r.Status.IsActive() && r.ID != excludeID && r.Interval().Overlaps(in)
	})
}

// checkConstraints は PostgreSQL の排他制約と一意インデックスに相当するチェックです
func (s *ReservationStore) checkConstraints(r model.Reservation) error {
	if !r.CheckIn.Before(r.CheckOut) {
		return apperror.Validationf("reservations_dates_check: check-in must be before check-out")
	}
	for _, existing := range s.reservations {
		if existing.ID != r.ID && r.BookingReference != "" && existing.BookingReference == r.BookingReference {
			return apperror.Wrap(apperror.KindValidation, repository.ErrDuplicateBookingReference, "reservations_booking_reference_key: "+r.BookingReference)
		}
	}
	if r.ExternalID != nil {
		for _, existing := range s.reservations {
			if existing.ID != r.ID && existing.PropertyID == r.PropertyID && existing.Source == r.Source &&
				existing.ExternalID != nil && *existing.ExternalID == *r.ExternalID {
				return apperror.Validationf("reservations_external_id_idx: external id %s already exists", *r.ExternalID)
			}
		}
	}
	if r.AmountPaid.GreaterThan(r.TotalAmount) {
		return apperror.Validationf("reservations_paid_check: amount paid %s exceeds total amount %s", r.AmountPaid.StringFixed(2), r.TotalAmount.StringFixed(2))
	}
	if s.enforceExclusion && r.Status.IsActive() && len(s.overlapping(r.PropertyID, r.Interval(), r.ID)) > 0 {
		return apperror.Newf(apperror.KindAvailabilityConflict, "reservations_no_overlap: %s overlaps an active reservation", r.Interval())
	}
	return nil
}

// undo は書き込み前の状態です。existed が false の場合は取り消し時に削除します
type undo struct {
	id       string
	previous model.Reservation
	existed  bool
}

func (s *ReservationStore) create(reservation *model.Reservation, locked bool) (undo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return undo{}, s.failure
	}
	if _, ok := s.reservations[reservation.ID]; ok {
		return undo{}, apperror.Validationf("reservation %s already exists", reservation.ID)
	}
	if err := s.checkConstraints(*reservation); err != nil {
		return undo{}, err
	}
	if !locked {
		s.unlockedWrites++
	}
	s.reservations[reservation.ID] = *reservation
	return undo{id: reservation.ID}, nil
}

func (s *ReservationStore) update(id string, patch model.ReservationPatch, now time.Time, locked bool) (*model.Reservation, undo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, undo{}, s.failure
	}
	previous, ok := s.reservations[id]
	if !ok {
		return nil, undo{}, apperror.NotFoundf("reservation %s not found", id)
	}

	updated := previous
	updated.Apply(patch, now)
	if err := s.checkConstraints(updated); err != nil {
		return nil, undo{}, err
	}
	if !locked {
		s.unlockedWrites++
	}
	s.reservations[id] = updated
	return &updated, undo{id: id, previous: previous, existed: true}, nil
}

func (s *ReservationStore) updateStatus(id string, from, to model.Status, reason *string, now time.Time) (*model.Reservation, undo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, undo{}, s.failure
	}
	previous, ok := s.reservations[id]
	if !ok {
		return nil, undo{}, apperror.NotFoundf("reservation %s not found", id)
	}
	if previous.Status != from {
		return nil, undo{}, apperror.Validationf("reservation %s status changed concurrently: expected %s, found %s", id, from, previous.Status)
	}

	updated := previous
	updated.Status = to
	if reason != nil {
		updated.CancellationReason = reason
	}
	if to == model.StatusCancelled {
		updated.CancelledAt = &now
	}
	updated.UpdatedAt = now
	s.reservations[id] = updated
	return &updated, undo{id: id, previous: previous, existed: true}, nil
}

func (s *ReservationStore) delete(id string) (undo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return undo{}, s.failure
	}
	previous, ok := s.reservations[id]
	if !ok {
		return undo{}, apperror.NotFoundf("reservation %s not found", id)
	}
	delete(s.reservations, id)
	return undo{id: id, previous: previous, existed: true}, nil
}

func (s *ReservationStore) restore(undos []undo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		if u.existed {
			s.reservations[u.id] = u.previous
		} else {
			delete(s.reservations, u.id)
		}
	}
}

// lockedStore は WithPropertyLock の中で渡されるストアです。書き込みを記録して取り消せるようにします
type lockedStore struct {
	s     *ReservationStore
	undos []undo
}

func (t *lockedStore) rollback() {
	t.s.restore(t.undos)
	t.undos = nil
}

func (t *lockedStore) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	return t.s.GetByID(ctx, id)
}

func (t *lockedStore) FindOverlapping(ctx context.Context, propertyID string, in model.Interval, excludeID string) ([]model.Reservation, error) {
	return t.s.FindOverlapping(ctx, propertyID, in, excludeID)
}

func (t *lockedStore) Create(ctx context.Context, reservation *model.Reservation) error {
	u, err := t.s.create(reservation, true)
	if err != nil {
		return err
	}
	t.undos = append(t.undos, u)
	return nil
}

func (t *lockedStore) Update(ctx context.Context, id string, patch model.ReservationPatch, now time.Time) (*model.Reservation, error) {
	updated, u, err := t.s.update(id, patch, now, true)
	if err != nil {
		return nil, err
	}
	t.undos = append(t.undos, u)
	return updated, nil
}

func (t *lockedStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, reason *string, now time.Time) (*model.Reservation, error) {
	updated, u, err := t.s.updateStatus(id, from, to, reason, now)
	if err != nil {
		return nil, err
	}
	t.undos = append(t.undos, u)
	return updated, nil
}

func (t *lockedStore) Delete(ctx context.Context, id string) error {
	u, err := t.s.delete(id)
	if err != nil {
		return err
	}
	t.undos = append(t.undos, u)
	return nil
}
