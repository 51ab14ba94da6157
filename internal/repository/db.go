package repository

import (
	"context"
	"database/sql"
	"log"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
)

// DB は X-Ray のトレースを付与した sqlx.DB です
type DB struct {
	*sqlx.DB
}

// NewDB は接続済みの sqlx.DB をラップします
func NewDB(conn *sqlx.DB) *DB {
	return &DB{DB: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	_, seg := xray.BeginSegment(context.Background(), "DB.Close")
	defer seg.Close(nil)

	return db.DB.Close()
}

// BeginTxx starts a new transaction
func (db *DB) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.BeginTx")
	if seg == nil {
		return db.DB.BeginTxx(ctx, opts)
	}
	defer seg.Close(nil)

	tx, err := db.DB.BeginTxx(ctx, opts)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	return tx, nil
}

// QueryxContext wraps sqlx.DB.QueryxContext with X-Ray tracing
func (db *DB) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Queryx")
	if seg == nil {
		return db.DB.QueryxContext(ctx, query, args...)
	}
	defer seg.Close(nil)

	// クエリをメタデータとして追加
	if err := seg.AddMetadata("query", query); err != nil {
		log.Printf("Failed to add query metadata: %v", err)
	}

	rows, err := db.DB.QueryxContext(ctx, query, args...)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	return rows, nil
}

// QueryRowxContext wraps sqlx.DB.QueryRowxContext with X-Ray tracing
func (db *DB) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.QueryRowx")
	if seg == nil {
		return db.DB.QueryRowxContext(ctx, query, args...)
	}
	defer seg.Close(nil)

	if err := seg.AddMetadata("query", query); err != nil {
		log.Printf("Failed to add query metadata: %v", err)
	}

	return db.DB.QueryRowxContext(ctx, query, args...)
}

// ExecContext wraps sqlx.DB.ExecContext with X-Ray tracing
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Exec")
	if seg == nil {
		return db.DB.ExecContext(ctx, query, args...)
	}
	defer seg.Close(nil)

	// クエリをメタデータとして追加
	if err := seg.AddMetadata("query", query); err != nil {
		log.Printf("Failed to add query metadata: %v", err)
	}

	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	return result, nil
}
