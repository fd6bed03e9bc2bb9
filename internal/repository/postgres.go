package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// openPostgres opens the shared database used by the pro tier.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	params := []string{
		fmt.Sprintf("host=%s", host),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("user=%s", cfg.PostgresUser),
		fmt.Sprintf("password=%s", cfg.PostgresPassword),
		fmt.Sprintf("dbname=%s", dbname),
		fmt.Sprintf("sslmode=%s", sslmode),
	}

	db, err := sql.Open("postgres", strings.Join(params, " "))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s@%s:%d: %w", dbname, host, port, err)
	}

	return db, nil
}
