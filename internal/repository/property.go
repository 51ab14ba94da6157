package repository

import (
	"context"

	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
)

// PropertyRepository は物件情報の読み取りを担当するインターフェースです
type PropertyRepository interface {
	GetByID(ctx context.Context, propertyID string) (*model.Property, error)
}

// PropertyRepositoryImpl はPropertyRepositoryの実装です
type PropertyRepositoryImpl struct {
	db *DB
}

// NewPropertyRepository は新しいPropertyRepositoryを作成します
func NewPropertyRepository(db *DB) PropertyRepository {
	return &PropertyRepositoryImpl{
		db: db,
	}
}

// GetByID は指定された物件IDから料金設定と滞在日数の制約を取得します
func (r *PropertyRepositoryImpl) GetByID(ctx context.Context, propertyID string) (*model.Property, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "PropertyRepository.GetByID")
	defer seg.Close(nil)

	query := `
		SELECT id, owner_id, name, daily_rate, cleaning_fee, minimum_stay, maximum_stay
		FROM properties
		WHERE id = $1`

	var property model.Property
	if err := sqlx.GetContext(ctx, r.db, &property, query, propertyID); err != nil {
		seg.Close(err)
		return nil, classify(err, "property %s not found", propertyID)
	}

	return &property, nil
}
