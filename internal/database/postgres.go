package database

import (
	"database/sql"
)

type PgPollRepository struct {
	conn *sql.DB
}

func NewPgPollRepository(dsn string) (*PgPollRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgPollRepository{conn: db}, nil
}

func (db *PgPollRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgPollRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
