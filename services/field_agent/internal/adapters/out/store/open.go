// Package store 离线队列的持久化实现
package store

import (
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// Open 按配置打开队列存储：file 使用 JSON 文件，sqlite/mysql 使用 GORM
func Open(driver, dsn, path string) (out.QueueStore, error) {
	if driver == "file" {
		return NewFileStore(path)
	}
	db, err := OpenDB(driver, dsn, path)
	if err != nil {
		return nil, err
	}
	return NewGormStore(db)
}
