package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string, maxOpen int) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps lock expiries consistent
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// schema holds the event_seats table.  The (event_id, status, reserved_until)
// index serves the expiry sweep.
const schema = `CREATE TABLE IF NOT EXISTS event_seats (
	event_id       VARCHAR(64)  NOT NULL,
	seat_id        VARCHAR(32)  NOT NULL,
	row_num        INT UNSIGNED NOT NULL,
	seat_num       INT UNSIGNED NOT NULL,
	category_id    VARCHAR(64)  NOT NULL,
	price          BIGINT       NOT NULL,
	status         ENUM('available','reserved','sold','blocked') NOT NULL,
	reserved_by    VARCHAR(128) NULL,
	reserved_until DATETIME(3)  NULL,
	sold_to        VARCHAR(128) NULL,
	sold_at        DATETIME(3)  NULL,
	version        BIGINT UNSIGNED NOT NULL DEFAULT 1,
	updated_at     TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	PRIMARY KEY (event_id, seat_id),
	KEY idx_event_status_until (event_id, status, reserved_until)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// Migrate creates the tables the seat store needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate event_seats: %w", err)
	}
	return nil
}
