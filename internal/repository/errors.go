package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/lib/pq"
)

// PostgreSQL のエラーコード
const (
	codeExclusionViolation  = "23P01"
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
	codeNotNullViolation    = "23502"
	codeTooManyConnections  = "53300"
	codeAdminShutdown       = "57P01"
	codeCrashShutdown       = "57P02"
	codeCannotConnectNow    = "57P03"

	classConnectionException = "08"
	classDataException       = "22"

	constraintBookingReference = "reservations_booking_reference_key"
)

// ErrDuplicateBookingReference は予約番号が既存の予約と重複したことを表します
// 予約番号を振り直せば再試行できます
var ErrDuplicateBookingReference = errors.New("booking reference already exists")

// classify はドライバのエラーをアプリケーションのエラー種別に変換します
// 接続断などの一時的な障害は StoreUnavailable として呼び出し元に再試行の判断を委ねます
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return apperror.Wrap(apperror.KindNotFound, err, msg)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeExclusionViolation:
			return apperror.Wrap(apperror.KindAvailabilityConflict, err, msg)
		case codeForeignKeyViolation:
			return apperror.Wrap(apperror.KindNotFound, err, fmt.Sprintf("%s: referenced %s does not exist", msg, pqErr.Table))
		case codeUniqueViolation:
			if pqErr.Constraint == constraintBookingReference {
				return apperror.Wrap(apperror.KindValidation, fmt.Errorf("%w: %w", ErrDuplicateBookingReference, err), msg)
			}
			return apperror.Wrap(apperror.KindValidation, err, msg)
		case codeCheckViolation, codeNotNullViolation:
			return apperror.Wrap(apperror.KindValidation, err, msg)
		case codeTooManyConnections, codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow:
			return apperror.Wrap(apperror.KindStoreUnavailable, err, msg)
		}
		switch string(pqErr.Code.Class()) {
		case classConnectionException:
			return apperror.Wrap(apperror.KindStoreUnavailable, err, msg)
		case classDataException:
			return apperror.Wrap(apperror.KindValidation, err, msg)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	if isConnectionError(err) {
		return apperror.Wrap(apperror.KindStoreUnavailable, err, msg)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
