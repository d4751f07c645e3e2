package db

import "github.com/jmoiron/sqlx"

// Pool splits reads from writes. Under SQLite the writer is one connection
// and readers run alongside it in WAL mode; under Postgres both sides are the
// same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer is used for writes and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is used for queries that tolerate running beside a write.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName is dialect.SQLite3 or dialect.PGX.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}
