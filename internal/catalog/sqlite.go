package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/cartkit/cartkit/internal/domain"
)

// SQLiteProvider serves the product capability from a local sqlite catalog.
type SQLiteProvider struct {
	db       *sql.DB
	registry TypeRegistry
}

func NewSQLiteProvider(dbPath string, registry TypeRegistry) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	return &SQLiteProvider{db: db, registry: registry}, nil
}

func (p *SQLiteProvider) RunMigrations(migrationsPath string) error {
	driver, err := migratesqlite.WithInstance(p.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (p *SQLiteProvider) GetProduct(ctx context.Context, ref domain.ProductRef) (*Product, error) {
	typeName := p.registry.Resolve(ref.TypeName)

	query := `
		SELECT id, name, price, description, image_url, thumbnail_url
		FROM products
		WHERE id = ? AND type_name = ?
	`

	var (
		product     Product
		price       string
		description sql.NullString
		imageURL    sql.NullString
		thumbURL    sql.NullString
	)
	err := p.db.QueryRowContext(ctx, query, ref.ProductID, typeName).Scan(
		&product.ID,
		&product.DisplayName,
		&price,
		&description,
		&imageURL,
		&thumbURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to query product: %w", err)
	}

	product.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price for product %s: %w", ref.ProductID, err)
	}

	product.TypeName = typeName
	product.ImageURL = imageURL.String
	product.ThumbnailURL = thumbURL.String
	product.HasImage = imageURL.Valid && imageURL.String != ""
	product.Extra = map[string]any{}
	if description.Valid {
		product.Extra["description"] = description.String
	}

	return &product, nil
}

func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}
