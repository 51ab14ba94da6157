package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
)

// ReservationStore はトランザクションの内外で共通の予約操作です
type ReservationStore interface {
	GetByID(ctx context.Context, id string) (*model.Reservation, error)
	FindOverlapping(ctx context.Context, propertyID string, in model.Interval, excludeID string) ([]model.Reservation, error)
	Create(ctx context.Context, reservation *model.Reservation) error
	Update(ctx context.Context, id string, patch model.ReservationPatch, now time.Time) (*model.Reservation, error)
	UpdateStatus(ctx context.Context, id string, from, to model.Status, reason *string, now time.Time) (*model.Reservation, error)
	Delete(ctx context.Context, id string) error
}

// ReservationRepository は予約の永続化を担当するインターフェースです
type ReservationRepository interface {
	ReservationStore
	// WithPropertyLock は物件単位で書き込みを直列化した上で fn を実行します
	// fn が返したエラーはそのまま返り、fn 内の書き込みはすべてロールバックされます
	WithPropertyLock(ctx context.Context, propertyID string, fn func(ctx context.Context, store ReservationStore) error) error
	ListByProperty(ctx context.Context, propertyID string, activeOnly bool) ([]model.Reservation, error)
	FindByExternalID(ctx context.Context, propertyID string, source model.Source, externalID string) (*model.Reservation, error)
	CountByStatus(ctx context.Context, ownerID string) (map[model.Status]int, error)
	UpcomingCheckIns(ctx context.Context, ownerID string, from time.Time, days int) ([]model.Reservation, error)
	UpcomingCheckOuts(ctx context.Context, ownerID string, from time.Time, days int) ([]model.Reservation, error)
}

const reservationColumns = `
	id, booking_reference, owner_id, property_id, tenant_id,
	guest_name, guest_email, guest_phone,
	check_in, check_out, number_of_nights, number_of_guests,
	base_rate, cleaning_fee, service_fee, total_amount, amount_paid, amount_due, payment_status,
	status, source, external_id, notes, cancellation_reason, cancelled_at,
	created_at, updated_at`

// 有効な予約の条件。重複判定と排他制約で同じ条件を使う
const activeCondition = `status NOT IN ('CANCELLED', 'NO_SHOW')`

type ReservationRepositoryImpl struct {
	db *DB
	*reservationStore
}

var _ ReservationRepository = (*ReservationRepositoryImpl)(nil)

func NewReservationRepository(db *DB) *ReservationRepositoryImpl {
	return &ReservationRepositoryImpl{
		db:               db,
		reservationStore: &reservationStore{q: db},
	}
}

// reservationStore は DB またはトランザクションに対して予約操作を実行します
type reservationStore struct {
	q sqlx.ExtContext
}

// GetByID は指定されたIDの予約を取得します
func (s *reservationStore) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.GetByID")
	defer seg.Close(nil)

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`

	var r model.Reservation
	if err := sqlx.GetContext(ctx, s.q, &r, query, id); err != nil {
		seg.Close(err)
		return nil, classify(err, "reservation %s not found", id)
	}
	return &r, nil
}

// FindOverlapping は物件の有効な予約のうち区間と重複するものを1回のクエリで取得します
// excludeID を指定した場合はその予約を除外します(日程変更時に自分自身と衝突しないため)
func (s *reservationStore) FindOverlapping(ctx context.Context, propertyID string, in model.Interval, excludeID string) ([]model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.FindOverlapping")
	defer seg.Close(nil)

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE property_id = $1
		AND ` + activeCondition + `
		AND check_in < $3
		AND check_out > $2
		AND ($4 = '' OR id <> $4)
		ORDER BY check_in ASC`

	reservations := []model.Reservation{}
	if err := sqlx.SelectContext(ctx, s.q, &reservations, query, propertyID, in.CheckIn, in.CheckOut, excludeID); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to query overlapping reservations for property %s", propertyID)
	}
	return reservations, nil
}

// Create は予約を作成します
func (s *reservationStore) Create(ctx context.Context, reservation *model.Reservation) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.Create")
	defer seg.Close(nil)

	query := `
		INSERT INTO reservations (
			id, booking_reference, owner_id, property_id, tenant_id,
			guest_name, guest_email, guest_phone,
			check_in, check_out, number_of_nights, number_of_guests,
			base_rate, cleaning_fee, service_fee, total_amount, amount_paid, amount_due, payment_status,
			status, source, external_id, notes, cancellation_reason, cancelled_at,
			created_at, updated_at
		) VALUES (
			:id, :booking_reference, :owner_id, :property_id, :tenant_id,
			:guest_name, :guest_email, :guest_phone,
			:check_in, :check_out, :number_of_nights, :number_of_guests,
			:base_rate, :cleaning_fee, :service_fee, :total_amount, :amount_paid, :amount_due, :payment_status,
			:status, :source, :external_id, :notes, :cancellation_reason, :cancelled_at,
			:created_at, :updated_at
		)`

	if _, err := sqlx.NamedExecContext(ctx, s.q, query, reservation); err != nil {
		seg.Close(err)
		return classify(err, "failed to create reservation for property %s", reservation.PropertyID)
	}
	return nil
}

// Update は予約をロックして読み込み、パッチをマージして保存します
// id と booking_reference は更新対象に含めません。支払済額が合計額を超える更新は拒否します
// トランザクション内(WithPropertyLock または ReservationRepositoryImpl.Update)から呼ばれる前提です
func (s *reservationStore) Update(ctx context.Context, id string, patch model.ReservationPatch, now time.Time) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.Update")
	defer seg.Close(nil)

	var r model.Reservation
	selectQuery := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
	if err := sqlx.GetContext(ctx, s.q, &r, selectQuery, id); err != nil {
		seg.Close(err)
		return nil, classify(err, "reservation %s not found", id)
	}

	r.Apply(patch, now)
	if r.AmountPaid.GreaterThan(r.TotalAmount) {
		err := apperror.Validationf("reservation %s: total amount %s is below amount paid %s", id, r.TotalAmount.StringFixed(2), r.AmountPaid.StringFixed(2))
		seg.Close(err)
		return nil, err
	}

	updateQuery := `
		UPDATE reservations
		SET tenant_id = :tenant_id,
			guest_name = :guest_name,
			guest_email = :guest_email,
			guest_phone = :guest_phone,
			check_in = :check_in,
			check_out = :check_out,
			number_of_nights = :number_of_nights,
			number_of_guests = :number_of_guests,
			service_fee = :service_fee,
			total_amount = :total_amount,
			amount_paid = :amount_paid,
			amount_due = :amount_due,
			payment_status = :payment_status,
			notes = :notes,
			updated_at = :updated_at
		WHERE id = :id`

	if _, err := sqlx.NamedExecContext(ctx, s.q, updateQuery, &r); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to update reservation %s", id)
	}
	return &r, nil
}

// UpdateStatus は予約のステータスを from から to へ更新します
// 現在のステータスが from でない場合は更新せず Validation エラーを返します
func (s *reservationStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, reason *string, now time.Time) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.UpdateStatus")
	defer seg.Close(nil)

	query := `
		UPDATE reservations
		SET status = $1,
			cancellation_reason = COALESCE($2, cancellation_reason),
			cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN $3 ELSE cancelled_at END,
			updated_at = $3
		WHERE id = $4
		AND status = $5
		RETURNING ` + reservationColumns

	var r model.Reservation
	err := sqlx.GetContext(ctx, s.q, &r, query, to, reason, now, id, from)
	if err == nil {
		return &r, nil
	}
	seg.Close(err)

	classified := classify(err, "failed to update reservation %s status", id)
	if apperror.KindOf(classified) != apperror.KindNotFound {
		return nil, classified
	}

	// 更新対象がない場合は予約が存在しないのか、ステータスが先に変わったのかを区別する
	current, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperror.Validationf("reservation %s status changed concurrently: expected %s, found %s", id, from, current.Status)
}

// Delete は予約を物理削除します。ライフサイクルの制約は適用しません
func (s *reservationStore) Delete(ctx context.Context, id string) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.Delete")
	defer seg.Close(nil)

	result, err := s.q.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		seg.Close(err)
		return classify(err, "failed to delete reservation %s", id)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err := apperror.NotFoundf("reservation %s not found", id)
		seg.Close(err)
		return err
	}

	return nil
}

// WithPropertyLock はトランザクション内で物件単位のアドバイザリロックを取得してから fn を実行します
// ロックはコミットまたはロールバックで解放されます
func (r *ReservationRepositoryImpl) WithPropertyLock(ctx context.Context, propertyID string, fn func(ctx context.Context, store ReservationStore) error) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.WithPropertyLock")
	defer seg.Close(nil)

	err := r.runInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('reservations'), hashtext($1))`, propertyID); err != nil {
			return classify(err, "failed to lock property %s", propertyID)
		}
		return fn(ctx, &reservationStore{q: tx})
	})
	if err != nil {
		seg.Close(err)
		return err
	}
	return nil
}

// Update はトランザクション内で予約を更新します
func (r *ReservationRepositoryImpl) Update(ctx context.Context, id string, patch model.ReservationPatch, now time.Time) (*model.Reservation, error) {
	var updated *model.Reservation
	err := r.runInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		updated, err = (&reservationStore{q: tx}).Update(ctx, id, patch, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// runInTx はトランザクションを開始して fn を実行し、エラーがなければコミットします
func (r *ReservationRepositoryImpl) runInTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}

	// エラーが発生した場合のみロールバックを実行
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("rollback failed: %v, original error: %v", rbErr, err)
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}
	return nil
}

// ListByProperty は物件の予約をチェックイン順に取得します
func (r *ReservationRepositoryImpl) ListByProperty(ctx context.Context, propertyID string, activeOnly bool) ([]model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.ListByProperty")
	defer seg.Close(nil)

	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE property_id = $1`
	if activeOnly {
		query += ` AND ` + activeCondition
	}
	query += ` ORDER BY check_in ASC`

	reservations := []model.Reservation{}
	if err := sqlx.SelectContext(ctx, r.db, &reservations, query, propertyID); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to list reservations for property %s", propertyID)
	}
	return reservations, nil
}

// FindByExternalID は外部カレンダーのIDで予約を検索します。存在しない場合は nil を返します
func (r *ReservationRepositoryImpl) FindByExternalID(ctx context.Context, propertyID string, source model.Source, externalID string) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.FindByExternalID")
	defer seg.Close(nil)

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE property_id = $1
		AND source = $2
		AND external_id = $3`

	reservations := []model.Reservation{}
	if err := sqlx.SelectContext(ctx, r.db, &reservations, query, propertyID, source, externalID); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to find reservation by external id %s", externalID)
	}
	if len(reservations) == 0 {
		return nil, nil
	}
	return &reservations[0], nil
}

// CountByStatus はオーナーの予約件数をステータスごとに集計します
func (r *ReservationRepositoryImpl) CountByStatus(ctx context.Context, ownerID string) (map[model.Status]int, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.CountByStatus")
	defer seg.Close(nil)

	query := `
		SELECT status, COUNT(*) AS count
		FROM reservations
		WHERE owner_id = $1
		GROUP BY status`

	var rows []struct {
		Status model.Status `db:"status"`
		Count  int          `db:"count"`
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, ownerID); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to count reservations for owner %s", ownerID)
	}

	counts := make(map[model.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// UpcomingCheckIns は from から days 日以内にチェックイン予定の予約を取得します
func (r *ReservationRepositoryImpl) UpcomingCheckIns(ctx context.Context, ownerID string, from time.Time, days int) ([]model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.UpcomingCheckIns")
	defer seg.Close(nil)

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE owner_id = $1
		AND status IN ('PENDING', 'CONFIRMED')
		AND check_in >= $2
		AND check_in < $3
		ORDER BY check_in ASC`

	reservations := []model.Reservation{}
	if err := sqlx.SelectContext(ctx, r.db, &reservations, query, ownerID, from, from.AddDate(0, 0, days)); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to query upcoming check-ins for owner %s", ownerID)
	}
	return reservations, nil
}

// UpcomingCheckOuts は from から days 日以内にチェックアウト予定の滞在中の予約を取得します
func (r *ReservationRepositoryImpl) UpcomingCheckOuts(ctx context.Context, ownerID string, from time.Time, days int) ([]model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.UpcomingCheckOuts")
	defer seg.Close(nil)

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE owner_id = $1
		AND status = 'CHECKED_IN'
		AND check_out >= $2
		AND check_out < $3
		ORDER BY check_out ASC`

	reservations := []model.Reservation{}
	if err := sqlx.SelectContext(ctx, r.db, &reservations, query, ownerID, from, from.AddDate(0, 0, days)); err != nil {
		seg.Close(err)
		return nil, classify(err, "failed to query upcoming check-outs for owner %s", ownerID)
	}
	return reservations, nil
}
