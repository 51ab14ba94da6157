package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout はバッチ処理が制限時間内に終わらなかったことを表します
var ErrTimeout = errors.New("batch process timed out")

// RunWithTimeout は指定されたタイムアウト時間内でバッチ処理を実行します
// タイムアウトを超えた場合はコンテキストを ErrTimeout でキャンセルし、fn の終了を待たずに戻ります
// fn の中で予約ロックを保持しているトランザクションはコンテキストのキャンセルでロールバックされます
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid timeout %v", timeout)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		// 親コンテキストのキャンセル（シグナル受信など）
		return fmt.Errorf("batch process cancelled: %w", context.Cause(ctx))
	}
}
