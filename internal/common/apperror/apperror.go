package apperror

import (
	"errors"
	"fmt"
)

// Kind は呼び出し元が描画を切り替えるためのエラー種別です
type Kind string

const (
	KindValidation           Kind = "VALIDATION"
	KindNotFound             Kind = "NOT_FOUND"
	KindForbidden            Kind = "FORBIDDEN"
	KindAvailabilityConflict Kind = "AVAILABILITY_CONFLICT"
	KindStoreUnavailable     Kind = "STORE_UNAVAILABLE"
)

// 種別ごとの番兵エラー。errors.Is で種別判定に使います
var (
	ErrValidation           = &Error{kind: KindValidation}
	ErrNotFound             = &Error{kind: KindNotFound}
	ErrForbidden            = &Error{kind: KindForbidden}
	ErrAvailabilityConflict = &Error{kind: KindAvailabilityConflict}
	ErrStoreUnavailable     = &Error{kind: KindStoreUnavailable}
)

// Error は種別付きのアプリケーションエラーです
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New は種別とメッセージからエラーを作成します
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf は書式付きメッセージでエラーを作成します
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap は下位のエラーを保持したまま種別を付与します
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return Newf(KindForbidden, format, args...)
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	msg := e.msg
	if msg == "" {
		msg = string(e.kind)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is は番兵エラー(種別のみを持つ Error)と種別が一致する場合に true を返します
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.msg != "" || t.err != nil {
		return e == t
	}
	return e.kind == t.kind
}

// KindOf はエラーチェーンから種別を取り出します。種別がない場合は空文字を返します
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}
