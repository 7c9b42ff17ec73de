package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/cartkit/cartkit/internal/domain"
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// PostgresStore implements RecordStore on a relational schema: one carts
// table with the lines as a JSONB column, one bindings table keyed by
// (kind, key).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(cred *Credentials) (*PostgresStore, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{
		MigrationsTable: "cart_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
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

func (s *PostgresStore) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	query := `SELECT id, session_key, user_key, state, items, created_at, updated_at
	          FROM carts WHERE id = $1`
	return s.scanCart(s.db.QueryRowContext(ctx, query, cartID))
}

func (s *PostgresStore) GetCartBySession(ctx context.Context, sessionKey string) (*domain.Cart, error) {
	query := `SELECT id, session_key, user_key, state, items, created_at, updated_at
	          FROM carts WHERE session_key = $1 ORDER BY created_at LIMIT 1`
	return s.scanCart(s.db.QueryRowContext(ctx, query, sessionKey))
}

func (s *PostgresStore) scanCart(row *sql.Row) (*domain.Cart, error) {
	var (
		record     cartRecord
		sessionKey sql.NullString
		userKey    sql.NullString
		itemsJSON  []byte
	)
	err := row.Scan(
		&record.ID,
		&sessionKey,
		&userKey,
		&record.State,
		&itemsJSON,
		&record.CreatedAt,
		&record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to scan cart: %w", err)
	}

	record.SessionKey = sessionKey.String
	record.UserKey = userKey.String
	if err := json.Unmarshal(itemsJSON, &record.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart items: %w", err)
	}

	return recordToCart(&record)
}

func (s *PostgresStore) UpsertCart(ctx context.Context, cart *domain.Cart) error {
	itemsJSON, err := json.Marshal(itemsToRecords(cart.Items))
	if err != nil {
		return fmt.Errorf("failed to marshal cart items: %w", err)
	}

	query := `INSERT INTO carts (id, session_key, user_key, state, items, created_at, updated_at)
	          VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NOW(), NOW())
	          ON CONFLICT (id) DO UPDATE SET
	              session_key = NULLIF($2, ''),
	              user_key = NULLIF($3, ''),
	              state = $4,
	              items = $5,
	              updated_at = NOW()`

	_, execErr := s.db.ExecContext(ctx, query,
		cart.ID,
		cart.SessionKey,
		cart.UserKey,
		string(cart.State),
		itemsJSON)
	if execErr != nil {
		return fmt.Errorf("upsert cart: %w", execErr)
	}
	return nil
}

func (s *PostgresStore) DeleteCart(ctx context.Context, cartID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete cart rows affected: %w", err)
	}
	if rows == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (s *PostgresStore) GetBinding(ctx context.Context, kind BindingKind, key string) (string, error) {
	var cartID string
	query := `SELECT cart_id FROM bindings WHERE kind = $1 AND key = $2`
	err := s.db.QueryRowContext(ctx, query, string(kind), key).Scan(&cartID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrBindingNotFound
		}
		return "", fmt.Errorf("get binding: %w", err)
	}
	return cartID, nil
}

func (s *PostgresStore) PutBinding(ctx context.Context, kind BindingKind, key, cartID string) error {
	query := `INSERT INTO bindings (kind, key, cart_id)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (kind, key) DO UPDATE SET cart_id = $3`

	_, err := s.db.ExecContext(ctx, query, string(kind), key, cartID)
	if err != nil {
		return fmt.Errorf("put binding: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBinding(ctx context.Context, kind BindingKind, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE kind = $1 AND key = $2`, string(kind), key)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
