package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/config"
	"github.com/Comfie/property-crm-sub001/internal/common/utils"
	"github.com/Comfie/property-crm-sub001/internal/service/batch"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
)

const (
	projectName = "property-crm-lifecycle"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	payloadFile := flag.String("payload", "", "ENV=LOCALの場合に読み込むライフサイクル操作(JSON)のパス")
	flag.Parse()

	// 最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := "DUMMY_TASK_TOKEN"
	payload := `{"commands":[]}`
	if config.IsLocal() {
		if *payloadFile != "" {
			body, err := os.ReadFile(*payloadFile)
			if err != nil {
				log.Fatalf("Failed to read payload file: %v", err)
			}
			payload = string(body)
		}
	} else {
		if flag.NArg() == 0 {
			log.Fatalf("Task token is required")
		}
		taskToken = flag.Arg(flag.NArg() - 1)
		payload = taskToken
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{
			DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
			ServiceVersion: "1.0.0",
		}); err != nil {
			log.Printf("Failed to configure X-Ray: %v", err)
			// X-Ray設定失敗時はデフォルトの設定を使用
			if configErr := xray.Configure(xray.Config{}); configErr != nil {
				log.Fatalf("Failed to configure default X-Ray settings: %v", configErr)
			}
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	// Step Functionsクライアントの初期化
	var sfnClient batch.TaskCallbackClient
	if !config.IsLocal() {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		sfnClient = sfn.NewFromConfig(awsCfg)
	}

	// タスクトークンから適用する操作を読み取る
	commands, err := batch.ParseLifecycleCommands(payload)
	if err != nil {
		sendTaskFailure(sfnClient, taskToken, err)
		log.Fatalf("Failed to parse lifecycle commands: %v", err)
	}

	// サービスの初期化
	service, err := batch.NewLifecycleBatchService(cfg, sfnClient)
	if err != nil {
		sendTaskFailure(sfnClient, taskToken, err)
		log.Fatalf("Failed to create service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()
	service.SetArgs(commands)

	// コンテキストの作成
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		// セグメントにメタデータを追加
		if err := seg.AddMetadata("command_count", len(commands)); err != nil {
			log.Printf("Failed to add command_count metadata: %v", err)
		}
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルまたはエラーの待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			log.Printf("Batch process failed: %v", err)
			sendTaskFailure(sfnClient, taskToken, err)
			service.Close()
			os.Exit(1)
		}
		log.Println("Batch process completed successfully")
	}
}

// sendTaskFailure はローカル環境以外の場合のみStep Functionsのエラー通知を行います
func sendTaskFailure(client batch.TaskCallbackClient, taskToken string, cause error) {
	if config.IsLocal() || client == nil {
		return
	}

	// スタックトレースを除いた1行目のみを原因として送る
	message := utils.FirstLine(cause)
	input := &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String("Batch process failed"),
		Cause:     aws.String(message),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.SendTaskFailure(ctx, input); err != nil {
		log.Printf("Failed to send task failure: %v\nStack trace:\n%s", err, debug.Stack())
	}
}
