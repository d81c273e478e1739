package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Martin-Hayot/auction-engine/configs"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// DB exposes the pool for migrations and LISTEN/NOTIFY.
	DB() *sql.DB

	// USER METHODS
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
	GetUserByID(ctx context.Context, id string) (types.User, error)

	// SESSION METHODS
	LoadSession(ctx context.Context, id string) (types.AuctionSession, error)
	ListActiveSessions(ctx context.Context) ([]types.AuctionSession, error)
	CreateSession(ctx context.Context, s types.AuctionSession) error
	SaveSession(ctx context.Context, s types.AuctionSession, expectedPrice int64) error
	CommitBid(ctx context.Context, c types.BidCommit) error

	// ORDER METHODS
	Settle(ctx context.Context, s types.Settlement) error
	GetOrderBySession(ctx context.Context, sessionID string) (types.Order, error)
}

type service struct {
	db    *sql.DB
	retry RetryConfig
}

func New(cfg *configs.Config) (Service, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s:%s: %w", cfg.Database.Host, cfg.Database.Port, err)
	}

	log.Infof("Connected to database %s", cfg.Database.Name)
	return NewWithDB(db, RetryConfig{MaxElapsed: cfg.Database.MaxRetryElapsed}), nil
}

// NewWithDB wraps an open pool.
func NewWithDB(db *sql.DB, retry RetryConfig) Service {
	return &service{db: db, retry: retry.withDefaults()}
}

func (s *service) DB() *sql.DB {
	return s.db
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	// Ping the database
	err := s.db.PingContext(ctx)
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Errorf("db down: %v", err)
		return stats
	}

	// Database is up, add more statistics
	stats["status"] = "up"
	stats["message"] = "It's healthy"

	// Get database stats (like open connections, in use, idle, etc.)
	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()
	stats["max_idle_closed"] = strconv.FormatInt(dbStats.MaxIdleClosed, 10)
	stats["max_lifetime_closed"] = strconv.FormatInt(dbStats.MaxLifetimeClosed, 10)

	if limit := dbStats.MaxOpenConnections; limit > 0 && dbStats.InUse >= limit*4/5 {
		stats["message"] = "The database is experiencing heavy load."
	}

	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	log.Info("Disconnected from database")
	return s.db.Close()
}

func (s *service) GetUserByEmail(ctx context.Context, email string) (types.User, error) {
	return s.getUser(ctx, `"email"`, email)
}

func (s *service) GetUserByID(ctx context.Context, id string) (types.User, error) {
	return s.getUser(ctx, `"id"`, id)
}

func (s *service) getUser(ctx context.Context, column, value string) (types.User, error) {
	query, args, err := psq.Select(`"id"`, `"email"`, `"displayName"`, `"role"`).
		From(userTable).
		Where(sqEq(column, value)).
		ToSql()
	if err != nil {
		return types.User{}, fmt.Errorf("building user query: %w", err)
	}

	var user types.User
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role)
	if err == sql.ErrNoRows {
		return types.User{}, errors.New(errors.ErrInvalidToken, "User not found")
	}
	if err != nil {
		return types.User{}, fmt.Errorf("error getting user: %w", err)
	}
	return user, nil
}

// withTx runs fn in a serializable transaction, committing on success and rolling back on
// error or panic.
func (s *service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("error committing transaction: %w", err)
		}
	}()

	return fn(tx)
}
