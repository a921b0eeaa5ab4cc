package models

import (
	"time"
)

// AccessLog is one served map request.
type AccessLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp   time.Time `gorm:"index;not null"`
	Method      string    `gorm:"type:varchar(10);not null"`
	Path        string    `gorm:"type:text;not null"`
	Resource    string    `gorm:"type:text;index:,length:256"`
	Service     string    `gorm:"type:varchar(16)"`
	Request     string    `gorm:"type:varchar(64);index"`
	CacheStatus string    `gorm:"type:varchar(8)"`
	Status      int       `gorm:"not null;index"`
	Duration    time.Duration
	ClientIP    string `gorm:"type:varchar(45);not null"`
	UserAgent   string `gorm:"type:text"`
	BytesSent   int    `gorm:"not null;default:0"`
}

func (AccessLog) TableName() string {
	return "access_logs"
}
