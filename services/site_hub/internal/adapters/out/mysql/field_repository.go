package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

var ErrReportNotFound = errors.New("field report not found")

// FieldReportModel 现场上报 GORM 模型，同一用户的幂等键唯一
type FieldReportModel struct {
	ID             string    `gorm:"column:id;type:varchar(36);primaryKey"`
	UserID         string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_user_idempotency,priority:1"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex:uk_user_idempotency,priority:2"`
	ProjectID      string    `gorm:"column:project_id;type:varchar(64);not null;index"`
	Type           string    `gorm:"column:type;type:varchar(64);not null"`
	Title          string    `gorm:"column:title;type:varchar(255)"`
	Lat            float64   `gorm:"column:lat;not null"`
	Lng            float64   `gorm:"column:lng;not null"`
	ImageURLs      string    `gorm:"column:image_urls;type:text"`
	Data           string    `gorm:"column:data;type:text"`
	CapturedAt     time.Time `gorm:"column:captured_at;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (FieldReportModel) TableName() string {
	return "field_reports"
}

func (m *FieldReportModel) toEntity() (*entity.FieldReport, error) {
	r := &entity.FieldReport{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		UserID:         m.UserID,
		ProjectID:      m.ProjectID,
		Type:           m.Type,
		Title:          m.Title,
		Coordinates:    protocol.Coordinates{Lat: m.Lat, Lng: m.Lng},
		CapturedAt:     m.CapturedAt,
		CreatedAt:      m.CreatedAt,
	}
	if m.ImageURLs != "" {
		if err := json.Unmarshal([]byte(m.ImageURLs), &r.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image urls of %s: %w", m.ID, err)
		}
	}
	if m.Data != "" {
		r.Data = json.RawMessage(m.Data)
	}
	return r, nil
}

func fieldReportModelFrom(r *entity.FieldReport) (*FieldReportModel, error) {
	m := &FieldReportModel{
		ID:             r.ID,
		UserID:         r.UserID,
		IdempotencyKey: r.IdempotencyKey,
		ProjectID:      r.ProjectID,
		Type:           r.Type,
		Title:          r.Title,
		Lat:            r.Coordinates.Lat,
		Lng:            r.Coordinates.Lng,
		Data:           string(r.Data),
		CapturedAt:     r.CapturedAt,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.ImageURLs) > 0 {
		urls, err := json.Marshal(r.ImageURLs)
		if err != nil {
			return nil, err
		}
		m.ImageURLs = string(urls)
	}
	return m, nil
}

// FieldRepository 基于 GORM 的现场上报仓储
type FieldRepository struct {
	db *gorm.DB
}

var _ out.FieldRepository = (*FieldRepository)(nil)

// Open 按驱动连接数据库：mysql 用于部署，sqlite 用于本地开发
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case "mysql", "":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewFieldRepository 创建仓储并迁移表结构
func NewFieldRepository(db *gorm.DB) (*FieldRepository, error) {
	if err := db.AutoMigrate(&FieldReportModel{}); err != nil {
		return nil, fmt.Errorf("migrate field_reports: %w", err)
	}
	return &FieldRepository{db: db}, nil
}

func (r *FieldRepository) Create(ctx context.Context, report *entity.FieldReport) (*entity.FieldReport, bool, error) {
	m, err := fieldReportModelFrom(report)
	if err != nil {
		return nil, false, err
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return report, true, nil
	}

	var existing FieldReportModel
	err = r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", report.UserID, report.IdempotencyKey).
		Or("id = ?", report.ID).
		First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("load duplicate report: %w", err)
	}
	stored, err := existing.toEntity()
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (r *FieldRepository) Get(ctx context.Context, id string) (*entity.FieldReport, error) {
	var m FieldReportModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toEntity()
}
