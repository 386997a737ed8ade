// Package sqlstore implements internal/admin.Store against a relational
// backend, selected by DSN scheme: Postgres via jackc/pgx, or embedded
// SQLite via modernc.org/sqlite for single-node deployments. Both
// drivers are already part of the teacher's own module graph
// (kvdb/go.mod's postgres/sqlite channel-state backends); this package
// repurposes the same pair for circuit state instead of channel state.
package sqlstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/circuitmesh/circuitd/internal/admin"
	"github.com/circuitmesh/circuitd/internal/errs"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// backend names the dialect a Store is talking to, since pgx and
// modernc's sqlite driver disagree on placeholder syntax and on which
// migration path applies.
type backend int

const (
	backendSQLite backend = iota
	backendPostgres
)

// Store implements admin.Store over database/sql.
type Store struct {
	db      *sql.DB
	backend backend
}

// Open connects to dsn and brings its schema up to date. A
// "postgres://" or "postgresql://" scheme selects the Postgres backend
// via pgx; anything else is treated as a modernc sqlite DSN (a file
// path, optionally prefixed "sqlite://", or ":memory:").
func Open(dsn string) (*Store, error) {
	b := backendSQLite
	driverName := "sqlite"
	connDSN := dsn

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		b = backendPostgres
		driverName = "pgx"
	case strings.HasPrefix(dsn, "sqlite://"):
		connDSN = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open(driverName, connDSN)
	if err != nil {
		return nil, errs.Internal(err, "opening store database (%s)", driverName)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Internal(err, "pinging store database (%s)", driverName)
	}

	s := &Store{db: db, backend: b}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) applyMigrations() error {
	if s.backend == backendPostgres {
		return s.applyMigrationsViaMigrate()
	}
	// golang-migrate's official sqlite3 source driver binds against
	// mattn/go-sqlite3, a cgo driver; modernc.org/sqlite is pure Go and
	// registers under a different database/sql driver name, so there is
	// no golang-migrate database.Driver for it. The embedded .up.sql
	// files are small and additive, so apply them directly instead.
	return s.applyMigrationsInline()
}

func (s *Store) applyMigrationsViaMigrate() error {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errs.Internal(err, "loading embedded migrations")
	}
	dbDriver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return errs.Internal(err, "constructing postgres migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return errs.Internal(err, "constructing migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errs.Internal(err, "applying migrations")
	}
	return nil
}

func (s *Store) applyMigrationsInline() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errs.Internal(err, "reading embedded migrations")
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		b, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return errs.Internal(err, "reading migration %s", e.Name())
		}
		if _, err := s.db.Exec(string(b)); err != nil {
			return errs.Internal(err, "applying migration %s", e.Name())
		}
	}
	return nil
}

// placeholder returns the n-th bind parameter marker for the active
// dialect: pgx requires "$n", modernc's sqlite driver accepts "?".
func (s *Store) placeholder(n int) string {
	if s.backend == backendPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

type circuitRow struct {
	CircuitID         string
	RosterJSON        []byte
	MembersJSON       []byte
	AuthorizationType int
	ManagementType    string
	Status            int
}

func (s *Store) toRow(c *admin.Circuit) (*circuitRow, error) {
	roster, err := json.Marshal(c.Roster)
	if err != nil {
		return nil, errs.Internal(err, "encoding roster for circuit %s", c.CircuitID)
	}
	members, err := json.Marshal(c.Members)
	if err != nil {
		return nil, errs.Internal(err, "encoding members for circuit %s", c.CircuitID)
	}
	return &circuitRow{
		CircuitID:         c.CircuitID,
		RosterJSON:        roster,
		MembersJSON:       members,
		AuthorizationType: int(c.AuthorizationType),
		ManagementType:    c.ManagementType,
		Status:            int(c.Status),
	}, nil
}

func (row *circuitRow) toCircuit() (*admin.Circuit, error) {
	c := &admin.Circuit{
		CircuitID:         row.CircuitID,
		AuthorizationType: admin.AuthorizationType(row.AuthorizationType),
		ManagementType:    row.ManagementType,
		Status:            admin.CircuitStatus(row.Status),
	}
	if err := json.Unmarshal(row.RosterJSON, &c.Roster); err != nil {
		return nil, errs.Internal(err, "decoding roster for circuit %s", row.CircuitID)
	}
	if err := json.Unmarshal(row.MembersJSON, &c.Members); err != nil {
		return nil, errs.Internal(err, "decoding members for circuit %s", row.CircuitID)
	}
	return c, nil
}

// PutCircuit implements admin.Store.
func (s *Store) PutCircuit(c *admin.Circuit) error {
	row, err := s.toRow(c)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO circuits (circuit_id, roster_json, members_json, authorization_type, management_type, status)
		VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (circuit_id) DO UPDATE SET
			roster_json = excluded.roster_json,
			members_json = excluded.members_json,
			authorization_type = excluded.authorization_type,
			management_type = excluded.management_type,
			status = excluded.status`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	if _, err := s.db.Exec(query, row.CircuitID, row.RosterJSON, row.MembersJSON, row.AuthorizationType, row.ManagementType, row.Status); err != nil {
		return errs.Internal(err, "storing circuit %s", c.CircuitID)
	}
	return nil
}

// GetCircuit implements admin.Store.
func (s *Store) GetCircuit(id string) (*admin.Circuit, error) {
	query := fmt.Sprintf(`SELECT circuit_id, roster_json, members_json, authorization_type, management_type, status
		FROM circuits WHERE circuit_id = %s`, s.placeholder(1))
	var row circuitRow
	err := s.db.QueryRow(query, id).Scan(&row.CircuitID, &row.RosterJSON, &row.MembersJSON, &row.AuthorizationType, &row.ManagementType, &row.Status)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("circuit %s not found", id)
	}
	if err != nil {
		return nil, errs.Internal(err, "fetching circuit %s", id)
	}
	return row.toCircuit()
}

// RemoveCircuit implements admin.Store.
func (s *Store) RemoveCircuit(id string) error {
	query := fmt.Sprintf(`DELETE FROM circuits WHERE circuit_id = %s`, s.placeholder(1))
	res, err := s.db.Exec(query, id)
	if err != nil {
		return errs.Internal(err, "removing circuit %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Internal(err, "checking removal of circuit %s", id)
	}
	if n == 0 {
		return errs.NotFound("circuit %s not found", id)
	}
	return nil
}

// CircuitExists implements admin.Store.
func (s *Store) CircuitExists(id string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM circuits WHERE circuit_id = %s`, s.placeholder(1))
	var one int
	err := s.db.QueryRow(query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Internal(err, "checking existence of circuit %s", id)
	}
	return true, nil
}

// ListCircuits implements admin.Store. Filtering by member node id and
// status happens in Go rather than SQL: the member list is a JSON
// column, and the predicate logic already lives in
// admin.CircuitFilter.matchesCircuit, so duplicating it as SQL would
// only invite the two to drift.
func (s *Store) ListCircuits(filter admin.CircuitFilter) ([]*admin.Circuit, error) {
	var (
		query string
		args  []interface{}
	)
	if filter.ManagementType != "" {
		query = fmt.Sprintf(`SELECT circuit_id, roster_json, members_json, authorization_type, management_type, status
			FROM circuits WHERE management_type = %s ORDER BY circuit_id`, s.placeholder(1))
		args = append(args, filter.ManagementType)
	} else {
		query = `SELECT circuit_id, roster_json, members_json, authorization_type, management_type, status
			FROM circuits ORDER BY circuit_id`
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Internal(err, "listing circuits")
	}
	defer rows.Close()

	var out []*admin.Circuit
	for rows.Next() {
		var row circuitRow
		if err := rows.Scan(&row.CircuitID, &row.RosterJSON, &row.MembersJSON, &row.AuthorizationType, &row.ManagementType, &row.Status); err != nil {
			return nil, errs.Internal(err, "scanning circuit row")
		}
		c, err := row.toCircuit()
		if err != nil {
			return nil, err
		}
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err, "iterating circuit rows")
	}
	return out, nil
}

var _ admin.Store = (*Store)(nil)
