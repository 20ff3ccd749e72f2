// internal/definition/locator.go
//
// SQL-backed URI locator and locator chaining.
//
// Context
// -------
// Large sites keep their path → element map in the database rather than in
// YAML.  SQLLocator answers URI-store misses from table uri_element, one
// row per path:
//
//	CREATE TABLE uri_element (
//	  uri      VARCHAR(512) PRIMARY KEY,
//	  producer VARCHAR(128) NOT NULL,
//	  template VARCHAR(128) NOT NULL DEFAULT '',
//	  secure   TINYINT(1)   NOT NULL DEFAULT 0
//	);
//
// Chain lets the YAML registry and the database answer together: the first
// locator that does not report element.ErrNotFound wins.
//
// Notes
// -----
//   - Oxford commas, two spaces after periods.
package definition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/store"
)

const locateQuery = `SELECT producer, template, secure FROM uri_element WHERE uri = ? LIMIT 1`

// SQLLocator resolves paths from the uri_element table.
type SQLLocator struct {
	db *sqlx.DB
}

// NewSQLLocator wraps an open database handle.
func NewSQLLocator(db *sqlx.DB) *SQLLocator {
	return &SQLLocator{db: db}
}

type uriRow struct {
	Producer string `db:"producer"`
	Template string `db:"template"`
	Secure   bool   `db:"secure"`
}

// Locate implements store.Locator.
func (l *SQLLocator) Locate(ctx context.Context, uri string) (store.URIEntry, error) {
	var row uriRow
	err := l.db.GetContext(ctx, &row, locateQuery, uri)
	if errors.Is(err, sql.ErrNoRows) {
		return store.URIEntry{}, fmt.Errorf("uri %q: %w", uri, element.ErrNotFound)
	}
	if err != nil {
		return store.URIEntry{}, fmt.Errorf("locate %q: %w", uri, err)
	}
	zap.L().Debug("uri located",
		zap.String("uri", uri),
		zap.String("producer", row.Producer),
		zap.String("template", row.Template))
	return store.URIEntry{
		Element: element.ID(row.Producer, row.Template),
		Secure:  row.Secure,
	}, nil
}

// Chain tries each locator in order.
type Chain []store.Locator

// Locate implements store.Locator.
func (c Chain) Locate(ctx context.Context, uri string) (store.URIEntry, error) {
	for _, l := range c {
		e, err := l.Locate(ctx, uri)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, element.ErrNotFound) {
			return store.URIEntry{}, err
		}
	}
	return store.URIEntry{}, fmt.Errorf("uri %q: %w", uri, element.ErrNotFound)
}
