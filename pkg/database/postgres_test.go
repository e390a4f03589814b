package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"hermes/pkg/logging"
)

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect(Config{}, logging.NewDiscardLogger()); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/hermes")
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	cfg := ConfigFromEnv()
	if cfg.URL != "postgres://localhost/hermes" {
		t.Fatalf("unexpected url %q", cfg.URL)
	}
	if cfg.MaxOpenConns != 7 || cfg.MaxIdleConns != 5 {
		t.Fatalf("unexpected pool config %+v", cfg)
	}
}

func TestMigrateAppliesSchema(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Migrate(context.Background(), db, logging.NewDiscardLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateSurfacesErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))

	if err := Migrate(context.Background(), db, logging.NewDiscardLogger()); err == nil {
		t.Fatalf("expected migrate error")
	}
}
