package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/common/config"
	"github.com/Comfie/property-crm-sub001/internal/common/utils"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/service/reservation"
	"github.com/aws/aws-xray-sdk-go/xray"
)

// LifecycleCommand は予約に適用するライフサイクル操作です
type LifecycleCommand struct {
	Action        model.Action `json:"action"`
	ReservationID string       `json:"reservation_id"`
	OwnerID       string       `json:"owner_id"`
	Reason        string       `json:"reason,omitempty"`
}

// ParseLifecycleCommands はタスクトークンのJSONからライフサイクル操作を読み取ります
func ParseLifecycleCommands(payload string) ([]LifecycleCommand, error) {
	var input struct {
		Commands []LifecycleCommand `json:"commands"`
	}
	if err := json.Unmarshal([]byte(payload), &input); err != nil {
		return nil, fmt.Errorf("failed to parse task token: %w", err)
	}

	for i, c := range input.Commands {
		if _, err := model.ParseAction(string(c.Action)); err != nil {
			return nil, fmt.Errorf("command at index %d: %w", i, err)
		}
		if c.ReservationID == "" || c.OwnerID == "" {
			return nil, apperror.Validationf("command at index %d: reservation_id and owner_id are required", i)
		}
	}
	return input.Commands, nil
}

// LifecycleOutput は Step Functions に返す遷移結果です
type LifecycleOutput struct {
	Events   []model.ReservationEvent `json:"events"`
	Failures []Failure                `json:"failures"`
}

// LifecycleBatchService は予約ステータスの一括遷移バッチ処理を担当します
type LifecycleBatchService struct {
	args         []LifecycleCommand
	backend      *backend
	reservations *reservation.Service
	sfnClient    TaskCallbackClient
	cfg          *config.Config
}

// NewLifecycleBatchService は新しいLifecycleBatchServiceを作成します
func NewLifecycleBatchService(cfg *config.Config, sfnClient TaskCallbackClient) (*LifecycleBatchService, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	return &LifecycleBatchService{
		backend:      b,
		reservations: b.reservations,
		sfnClient:    sfnClient,
		cfg:          cfg,
	}, nil
}

// Close は終了処理を行います
func (s *LifecycleBatchService) Close() error {
	return s.backend.close()
}

// SetArgs は適用する操作を設定します
func (s *LifecycleBatchService) SetArgs(args []LifecycleCommand) {
	s.args = args
}

// Run はライフサイクル操作を順に適用します
// 不正な遷移などの失敗は結果に含めて処理を続け、ストア障害の場合は中断します
func (s *LifecycleBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "LifecycleBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()
	log.Printf("Starting lifecycle batch process for %d commands...", len(s.args))

	if err := s.backend.migrate(ctx, s.cfg); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(err)
	}

	output := LifecycleOutput{
		Events:   make([]model.ReservationEvent, 0, len(s.args)),
		Failures: []Failure{},
	}
	var errs []error

	for _, cmd := range s.args {
		_, event, err := s.reservations.Transition(ctx, cmd.ReservationID, cmd.OwnerID, cmd.Action, cmd.Reason)
		if err != nil {
			if isFatal(err) {
				err = fmt.Errorf("%s reservation %s: %w", cmd.Action, cmd.ReservationID, err)
				seg.Close(err)
				return utils.GetStackWithError(errors.Join(append(errs, err)...))
			}
			log.Printf("Failed to %s reservation %s: %v", cmd.Action, cmd.ReservationID, err)
			errs = append(errs, fmt.Errorf("%s reservation %s: %w", cmd.Action, cmd.ReservationID, err))
			output.Failures = append(output.Failures, Failure{
				ReservationID: cmd.ReservationID,
				Action:        string(cmd.Action),
				Kind:          apperror.KindOf(err),
				Message:       err.Error(),
			})
			continue
		}

		log.Printf("Applied %s: %s", cmd.Action, event.Summary())
		output.Events = append(output.Events, event)
	}

	if len(errs) > 0 {
		if err := seg.AddMetadata("failures", errors.Join(errs...).Error()); err != nil {
			log.Printf("Failed to add failures metadata: %v", err)
		}
	}

	// イベントを発行
	if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg.SFN.TaskToken, output); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	duration := time.Since(startTime)
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}

	log.Printf("Lifecycle batch process completed. Applied: %d, Failed: %d, Duration: %v",
		len(output.Events), len(output.Failures), duration)
	return nil
}
