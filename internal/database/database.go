// Package database centralises sqlx connection helpers for the URI locator.
// The driver is go-sql-driver/mysql, which also works with MariaDB.
//
// Public entry points:
//
//	DSN(template, password)                  fills the single %s verb.
//	Open(ctx, dsn)                           conservative pool sizes.
//	OpenWithOptions(ctx, dsn, maxOpen, maxIdle)  fine-grained control.
//
// Both open helpers Ping the database before returning so callers can fail
// fast during bootstrap.  Callers should Close() the returned *sqlx.DB when
// no longer needed.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// DSN substitutes password into template when it carries a %s verb, and
// returns template unchanged otherwise.
func DSN(template, password string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, password)
	}
	return template
}

// Open returns a *sqlx.DB with sane defaults: 10 max open, 5 idle, and a
// 30-minute connection lifetime.  The locator only runs on URI store
// misses, so the pool stays small.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	return OpenWithOptions(ctx, dsn, 10, 5)
}

// OpenWithOptions lets callers tune maxOpen and maxIdle.
func OpenWithOptions(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
