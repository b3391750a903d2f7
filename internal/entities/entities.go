// Package entities reads durable room and tariff definitions. The signaling
// core never writes them.
package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/meet-signaling/internal/domain"
)

var ErrNotFound = errors.New("entity not found")

type Repository interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	GetTariff(ctx context.Context, id string) (*domain.Tariff, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository { return &PostgresRepository{db: db} }

// DB exposes the pool so other repositories can share it.
func (r *PostgresRepository) DB() *sql.DB { return r.db }

func (r *PostgresRepository) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var (
		room     domain.Room
		password sql.NullString
		tariff   sql.NullString
		closesAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, created_by, password, waiting_room, e2e_encryption,
        invite_only, tariff_id, closes_at
      FROM rooms WHERE id=$1`, string(id)).Scan(
		&room.ID, &room.CreatedBy, &password, &room.WaitingRoom, &room.E2EEncryption,
		&room.InviteOnly, &tariff, &closesAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	room.Password = password.String
	room.TariffID = tariff.String
	if closesAt.Valid {
		t := closesAt.Time.UTC()
		room.ClosesAt = &t
	}
	return &room, nil
}

func (r *PostgresRepository) GetTariff(ctx context.Context, id string) (*domain.Tariff, error) {
	var t domain.Tariff
	err := r.db.QueryRowContext(ctx, `SELECT id, name, participant_limit FROM tariffs WHERE id=$1`, id).
		Scan(&t.ID, &t.Name, &t.ParticipantLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tariff %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// MemoryRepository serves fixed definitions.
type MemoryRepository struct {
	mu      sync.RWMutex
	rooms   map[domain.RoomID]domain.Room
	tariffs map[string]domain.Tariff
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:   make(map[domain.RoomID]domain.Room),
		tariffs: make(map[string]domain.Tariff),
	}
}

func (m *MemoryRepository) PutRoom(r domain.Room) {
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
}

func (m *MemoryRepository) PutTariff(t domain.Tariff) {
	m.mu.Lock()
	m.tariffs[t.ID] = t
	m.mu.Unlock()
}

func (m *MemoryRepository) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryRepository) GetTariff(_ context.Context, id string) (*domain.Tariff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tariffs[id]
	if !ok {
		return nil, fmt.Errorf("tariff %s: %w", id, ErrNotFound)
	}
	return &t, nil
}
