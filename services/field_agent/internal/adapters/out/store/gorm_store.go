package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// SubmissionModel 离线队列 GORM 模型，seq 自增保证 FIFO
type SubmissionModel struct {
	Seq       uint64    `gorm:"column:seq;primaryKey;autoIncrement"`
	ID        string    `gorm:"column:id;type:varchar(64);uniqueIndex;not null"`
	TargetURL string    `gorm:"column:target_url;type:varchar(2048);not null"`
	Method    string    `gorm:"column:method;type:varchar(16);not null"`
	Headers   string    `gorm:"column:headers;type:text"`
	Body      []byte    `gorm:"column:body"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (SubmissionModel) TableName() string {
	return "field_submissions"
}

func (m *SubmissionModel) toEntity() (entity.Submission, error) {
	s := entity.Submission{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		TargetURL: m.TargetURL,
		Method:    m.Method,
		Body:      m.Body,
	}
	if m.Headers != "" {
		if err := json.Unmarshal([]byte(m.Headers), &s.Headers); err != nil {
			return s, fmt.Errorf("decode headers of %s: %w", m.ID, err)
		}
	}
	return s, nil
}

func submissionModelFrom(s entity.Submission) (*SubmissionModel, error) {
	headers, err := json.Marshal(s.Headers)
	if err != nil {
		return nil, err
	}
	return &SubmissionModel{
		ID:        s.ID,
		TargetURL: s.TargetURL,
		Method:    s.Method,
		Headers:   string(headers),
		Body:      s.Body,
		CreatedAt: s.CreatedAt,
	}, nil
}

// GormStore 基于 GORM 的离线队列存储，设备本地用 sqlite，集中部署用 mysql
type GormStore struct {
	db *gorm.DB
}

var _ out.QueueStore = (*GormStore)(nil)

// OpenDB 按驱动打开数据库
func OpenDB(driver, dsn, path string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create queue dir: %w", err)
			}
		}
		dialector = sqlite.Open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite 单写入者
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewGormStore 创建存储并迁移表结构
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&SubmissionModel{}); err != nil {
		return nil, fmt.Errorf("migrate queue table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Append(ctx context.Context, sub entity.Submission) error {
	model, err := submissionModelFrom(sub)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(model).Error
}

func (s *GormStore) List(ctx context.Context) ([]entity.Submission, error) {
	var models []SubmissionModel
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	subs := make([]entity.Submission, 0, len(models))
	for i := range models {
		sub, err := models[i].toEntity()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&SubmissionModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrSubmissionAbsent
	}
	return nil
}

func (s *GormStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&SubmissionModel{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
