package utils

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// StackError はスタックトレースを保持したエラーです
type StackError struct {
	Err   error
	Stack []byte
}

func (e *StackError) Error() string {
	return fmt.Sprintf("%v\nStack trace:\n%s", e.Err, e.Stack)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// GetStackWithError はエラーに呼び出し時点のスタックトレースを付与して返します
// すでにスタックトレースを持つエラーには重ねて付与しません
func GetStackWithError(err error) error {
	if err == nil {
		return nil
	}
	var se *StackError
	if errors.As(err, &se) {
		return err
	}
	return &StackError{Err: err, Stack: debug.Stack()}
}

// FirstLine はエラーメッセージの 1 行目を返します
// Step Functions の Cause などスタックトレースを含めたくない出力に使います
func FirstLine(err error) string {
	if err == nil {
		return ""
	}
	var se *StackError
	if errors.As(err, &se) {
		err = se.Err
	}
	msg := err.Error()
	for i := 0; i < len(msg); i++ {
		if msg[i] == '\n' {
			return msg[:i]
		}
	}
	return msg
}
