package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/common/config"
	"github.com/Comfie/property-crm-sub001/internal/common/database"
	"github.com/Comfie/property-crm-sub001/internal/repository"
	"github.com/Comfie/property-crm-sub001/internal/service/reservation"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// TaskCallbackClient はバッチが使う Step Functions のコールバック API です
type TaskCallbackClient interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

var _ TaskCallbackClient = (*sfn.Client)(nil)

// Failure は処理できなかった入力の記録です
type Failure struct {
	ReservationID string        `json:"reservation_id,omitempty"`
	ExternalID    string        `json:"external_id,omitempty"`
	Action        string        `json:"action,omitempty"`
	Kind          apperror.Kind `json:"kind,omitempty"`
	Message       string        `json:"message"`
}

// backend はバッチが共有するDB接続と予約サービスです
type backend struct {
	db           *database.DB
	repoDB       *repository.DB
	reservations *reservation.Service
}

func newBackend(cfg *config.Config) (*backend, error) {
	db, err := database.NewDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDB := repository.NewDB(db.DB)

	return &backend{
		db:     db,
		repoDB: repoDB,
		reservations: reservation.NewService(
			repository.NewReservationRepository(repoDB),
			repository.NewPropertyRepository(repoDB),
		),
	}, nil
}

func (b *backend) close() error {
	if b != nil && b.db != nil {
		return b.db.Close()
	}
	return nil
}

// migrate は AutoMigrate が有効な場合にスキーマを適用します
func (b *backend) migrate(ctx context.Context, cfg *config.Config) error {
	if b == nil || b.repoDB == nil || !cfg.AutoMigrate {
		return nil
	}
	if err := repository.EnsureSchema(ctx, b.repoDB); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	log.Printf("Schema applied")
	return nil
}

// isFatal は入力単位で記録して処理を続けられないエラーかを返します
// ストア障害と種別のないエラーはバッチ全体を中断します
func isFatal(err error) bool {
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound, apperror.KindForbidden, apperror.KindAvailabilityConflict:
		return false
	default:
		return true
	}
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、処理結果を返却します
func sendTaskSuccess(ctx context.Context, client TaskCallbackClient, taskToken string, output any) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if os.Getenv("ENV") == "LOCAL" || client == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	// タスクトークンを設定から取得
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal task output: %w", err)
	}

	// SendTaskSuccess APIを呼び出す
	input := &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(body)),
	}

	if _, err := client.SendTaskSuccess(ctx, input); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success: %d bytes", len(body))
	return nil
}
