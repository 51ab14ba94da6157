package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	defaultApplicationName = "property-crm"
	defaultMaxOpenConns    = 10
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

// DB は予約ストアが使う PostgreSQL 接続です
type DB struct {
	*sqlx.DB
}

// Config は PostgreSQL への接続設定です。ゼロ値の項目はデフォルト値を使います
type Config struct {
	Host     string
	Port     int
	UserName string
	Password string
	DBName   string
	// SSLMode が空の場合はホストから決定します
	SSLMode         string
	ApplicationName string

	// 物件ロックはトランザクションごとに接続を1本占有するため、同時に処理するバッチ数に合わせて設定します
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = defaultApplicationName
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 || cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SSLMode == "" {
		// localhostのDBの場合はSSLを無効化
		if cfg.Host == "localhost" || cfg.Host == "127.0.0.1" {
			cfg.SSLMode = "disable"
		} else {
			cfg.SSLMode = "require"
		}
	}
	return cfg
}

// DSN は lib/pq の URL 形式の接続文字列を返します
func (cfg Config) DSN() string {
	cfg = cfg.withDefaults()

	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	q.Set("application_name", cfg.ApplicationName)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(cfg.ConnectTimeout.Seconds())))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.UserName, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// NewDB は X-Ray でトレースされる接続を作成し、疎通を確認します
// 疎通できない場合は StoreUnavailable を返します
func NewDB(cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	db, err := xray.SQLContext("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database with X-Ray: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperror.Wrap(apperror.KindStoreUnavailable, err, fmt.Sprintf("failed to connect to %s:%d/%s", cfg.Host, cfg.Port, cfg.DBName))
	}

	return &DB{sqlx.NewDb(db, "postgres")}, nil
}
