package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	cfg := PostgresConfig{
		User:     "wms",
		Password: "secret",
		Host:     "db",
		Port:     "5432",
		DBName:   "wms_filters",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=wms password=secret dbname=wms_filters sslmode=disable", cfg.DSN())
}

func TestNewPostgresDBGivesUpWhenCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewPostgresDB(ctx, logger, PostgresConfig{
		Host:    "127.0.0.1",
		Port:    "1",
		User:    "nobody",
		DBName:  "none",
		SSLMode: "disable",
	})
	assert.Error(t, err)
}
