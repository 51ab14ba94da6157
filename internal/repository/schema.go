package repository

import (
	"context"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// Schema は予約テーブルの DDL です
// properties テーブルは物件管理側の所有ですが、外部キーの参照先として最小限の定義を含めます
// reservations_no_overlap は有効な予約同士の期間重複をデータベースでも拒否します
const Schema = `
CREATE EXTENSION IF NOT EXISTS btree_gist;

CREATE TABLE IF NOT EXISTS properties (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	name          TEXT NOT NULL,
	daily_rate    NUMERIC(12, 2) NOT NULL CHECK (daily_rate >= 0),
	cleaning_fee  NUMERIC(12, 2) NOT NULL DEFAULT 0 CHECK (cleaning_fee >= 0),
	minimum_stay  INTEGER CHECK (minimum_stay > 0),
	maximum_stay  INTEGER CHECK (maximum_stay > 0)
);

CREATE TABLE IF NOT EXISTS reservations (
	id                  TEXT PRIMARY KEY,
	booking_reference   TEXT NOT NULL CONSTRAINT reservations_booking_reference_key UNIQUE,
	owner_id            TEXT NOT NULL,
	property_id         TEXT NOT NULL REFERENCES properties (id) ON DELETE RESTRICT,
	tenant_id           TEXT,
	guest_name          TEXT,
	guest_email         TEXT,
	guest_phone         TEXT,
	check_in            TIMESTAMPTZ NOT NULL,
	check_out           TIMESTAMPTZ NOT NULL,
	number_of_nights    INTEGER NOT NULL,
	number_of_guests    INTEGER NOT NULL CHECK (number_of_guests > 0),
	base_rate           NUMERIC(12, 2) NOT NULL,
	cleaning_fee        NUMERIC(12, 2) NOT NULL DEFAULT 0,
	service_fee         NUMERIC(12, 2) NOT NULL DEFAULT 0,
	total_amount        NUMERIC(12, 2) NOT NULL,
	amount_paid         NUMERIC(12, 2) NOT NULL DEFAULT 0,
	amount_due          NUMERIC(12, 2) NOT NULL,
	payment_status      TEXT NOT NULL,
	status              TEXT NOT NULL,
	source              TEXT NOT NULL DEFAULT 'DIRECT',
	external_id         TEXT,
	notes               TEXT,
	cancellation_reason TEXT,
	cancelled_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,

	CONSTRAINT reservations_dates_check CHECK (check_in < check_out),
	CONSTRAINT reservations_amounts_check CHECK (amount_paid + amount_due = total_amount),
	CONSTRAINT reservations_paid_check CHECK (amount_paid >= 0 AND amount_paid <= total_amount),
	CONSTRAINT reservations_no_overlap EXCLUDE USING gist (
		property_id WITH =,
		tstzrange(check_in, check_out, '[)') WITH &&
	) WHERE (status NOT IN ('CANCELLED', 'NO_SHOW'))
);

CREATE UNIQUE INDEX IF NOT EXISTS reservations_external_id_idx
	ON reservations (property_id, source, external_id)
	WHERE external_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS reservations_owner_status_idx ON reservations (owner_id, status);
CREATE INDEX IF NOT EXISTS reservations_owner_check_in_idx ON reservations (owner_id, check_in);
`

// EnsureSchema はスキーマを適用します。何度実行しても結果は変わりません
func EnsureSchema(ctx context.Context, db *DB) error {
	ctx, seg := xray.BeginSubsegment(ctx, "Repository.EnsureSchema")
	defer seg.Close(nil)

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		seg.Close(err)
		return classify(err, "failed to apply schema")
	}
	return nil
}
