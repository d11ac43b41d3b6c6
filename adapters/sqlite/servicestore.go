package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/csmclient/ports"
)

// ServiceStore implements ports.ServiceStore using SQLite.
type ServiceStore struct {
	db *DB
}

// NewServiceStore creates a new SQLite service store.
func NewServiceStore(db *DB) *ServiceStore {
	return &ServiceStore{db: db}
}

// List returns all services in the order they were first stored.
func (s *ServiceStore) List(ctx context.Context) ([]ports.StoredService, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, local, fields, updated_at
		FROM services
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []ports.StoredService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// Get retrieves a service by key.
func (s *ServiceStore) Get(ctx context.Context, key string) (ports.StoredService, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, local, fields, updated_at
		FROM services
		WHERE key = ?
	`, key)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.StoredService{}, fmt.Errorf("service %q: %w", key, ports.ErrNotFound)
	}
	return svc, err
}

// Put creates or replaces a service. Replacing keeps the list position.
func (s *ServiceStore) Put(ctx context.Context, svc ports.StoredService) error {
	if svc.Key == "" {
		return fmt.Errorf("service without key: %w", ports.ErrInvalid)
	}
	fields, err := json.Marshal(svc.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if svc.UpdatedAt.IsZero() {
		svc.UpdatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (key, local, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			local = excluded.local,
			fields = excluded.fields,
			updated_at = excluded.updated_at
	`, svc.Key, svc.Local, string(fields), svc.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put service %q: %w", svc.Key, err)
	}
	return nil
}

// Delete removes a service.
func (s *ServiceStore) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete service %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("service %q: %w", key, ports.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (ports.StoredService, error) {
	var (
		svc    ports.StoredService
		fields string
	)
	if err := row.Scan(&svc.Key, &svc.Local, &fields, &svc.UpdatedAt); err != nil {
		return ports.StoredService{}, err
	}
	if err := json.Unmarshal([]byte(fields), &svc.Fields); err != nil {
		return ports.StoredService{}, fmt.Errorf("decode fields of %q: %w", svc.Key, err)
	}
	return svc, nil
}

// Ensure interface compliance.
var _ ports.ServiceStore = (*ServiceStore)(nil)
