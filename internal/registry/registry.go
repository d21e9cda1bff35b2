// Package registry implements the durable, digest-keyed record store:
// a single sqlite-backed table mapping a content hash to its file
// metadata and lifecycle status.
package registry

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/amorison/pipeline/internal/protocol"
)

// Status is one of the five lifecycle states a Record may be in.
type Status string

const (
	AwaitFromClient Status = "AwaitFromClient"
	Processing      Status = "Processing"
	Failed          Status = "Failed"
	Done            Status = "Done"
	ToPrune         Status = "ToPrune"
)

// ErrNotFound is returned by Status and other by-hash lookups when the
// hash is not present in the registry.
var ErrNotFound = errors.New("registry: record not found")

// ErrAlreadyExists is returned by InsertNew when the hash is already
// present.
var ErrAlreadyExists = errors.New("registry: record already exists")

// Record is the persisted row for a single digest.
type Record struct {
	Hash           string
	FullHash       bool
	Client         string
	CreatedUTC     time.Time
	RelativeSubdir string
	FileName       string
	Status         Status
}

const schema = `
CREATE TABLE IF NOT EXISTS files_in_pipeline (
	hash      TEXT PRIMARY KEY,
	full_hash INTEGER NOT NULL,
	client    TEXT NOT NULL,
	date_utc  TEXT NOT NULL,
	path      TEXT NOT NULL,
	file_name TEXT NOT NULL,
	status    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_in_pipeline_status ON files_in_pipeline(status);
`

// Registry is a handle to the durable record store. All methods are
// safe for concurrent use; mutating calls are serialized by holding
// the underlying connection pool to a single connection, enforcing a
// single-writer discipline.
type Registry struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open creates the store at path if missing and returns a handle
// suitable for the server's read/write use.
func Open(path string, log *logrus.Entry) (*Registry, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "opening registry at %q", path)
	}
	// A single writer connection makes every mutating statement
	// serialize through database/sql's own connection queue, giving
	// atomic single-row-update semantics without a separate
	// in-process mutex.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing registry schema")
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{db: db, log: log.WithField("component", "registry")}, nil
}

// OpenReadOnly opens the same store for query-only use, suitable for
// the listing CLI running concurrently with a live server.
func OpenReadOnly(path string, log *logrus.Entry) (*Registry, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "opening registry read-only at %q", path)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{db: db, log: log.WithField("component", "registry-ro")}, nil
}

// Close releases the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Contains reports whether hash has a record.
func (r *Registry) Contains(hash string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(1) FROM files_in_pipeline WHERE hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "checking existence of %q", hash)
	}
	return n > 0, nil
}

// Status returns the current status for hash, or ErrNotFound.
func (r *Registry) Status(hash string) (Status, error) {
	var s string
	err := r.db.QueryRow(`SELECT status FROM files_in_pipeline WHERE hash = ?`, hash).Scan(&s)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading status of %q", hash)
	}
	return Status(s), nil
}

// InsertNew inserts a record with status AwaitFromClient. It fails
// with ErrAlreadyExists if the hash is already present. The insert and
// the existence check are a single statement, so concurrent InsertNew
// calls for the same hash cannot both observe "missing" and both
// proceed to write.
func (r *Registry) InsertNew(spec protocol.FileSpec) error {
	res, err := r.db.Exec(
		`INSERT OR IGNORE INTO files_in_pipeline (hash, full_hash, client, date_utc, path, file_name, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		spec.Digest.Hex, fullHashInt(spec), spec.ClientName, nowUTC(), spec.RelativeSubdir, spec.FileName, string(AwaitFromClient),
	)
	if err != nil {
		return errors.Wrapf(err, "inserting record %q", spec.Digest.Hex)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected")
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	r.log.WithField("hash", spec.Digest.Hex).Debug("inserted new record")
	return nil
}

// TryBeginProcessing atomically transitions hash to Processing unless
// it is already Processing, reporting whether this call won the race.
// A false result with a nil error means some other caller already
// holds the processing slot for hash (or the record does not exist);
// the caller must not start the processing step in that case.
func (r *Registry) TryBeginProcessing(hash string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE files_in_pipeline SET status = ?, date_utc = ? WHERE hash = ? AND status != ?`,
		string(Processing), nowUTC(), hash, string(Processing),
	)
	if err != nil {
		return false, errors.Wrapf(err, "beginning processing for %q", hash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "checking rows affected")
	}
	if n > 0 {
		r.log.WithField("hash", hash).Debug("began processing")
	}
	return n > 0, nil
}

// UpdateStatus unconditionally sets the status of hash and refreshes
// its created_utc timestamp to now, in UTC.
func (r *Registry) UpdateStatus(hash string, status Status) error {
	res, err := r.db.Exec(
		`UPDATE files_in_pipeline SET status = ?, date_utc = ? WHERE hash = ?`,
		string(status), nowUTC(), hash,
	)
	if err != nil {
		return errors.Wrapf(err, "updating status of %q to %s", hash, status)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	r.log.WithFields(logrus.Fields{"hash": hash, "status": status}).Debug("updated status")
	return nil
}

// Remove deletes the record for hash, if present.
func (r *Registry) Remove(hash string) error {
	_, err := r.db.Exec(`DELETE FROM files_in_pipeline WHERE hash = ?`, hash)
	if err != nil {
		return errors.Wrapf(err, "removing record %q", hash)
	}
	return nil
}

// TasksWithStatus returns every record currently at status s, in no
// particular order.
func (r *Registry) TasksWithStatus(s Status) ([]Record, error) {
	rows, err := r.db.Query(
		`SELECT hash, full_hash, client, date_utc, path, file_name, status
		 FROM files_in_pipeline WHERE status = ?`, string(s))
	if err != nil {
		return nil, errors.Wrapf(err, "querying records with status %s", s)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Content returns every record in the registry, in no particular
// order.
func (r *Registry) Content() ([]Record, error) {
	rows, err := r.db.Query(
		`SELECT hash, full_hash, client, date_utc, path, file_name, status FROM files_in_pipeline`)
	if err != nil {
		return nil, errors.Wrap(err, "querying all records")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get returns a single record by hash.
func (r *Registry) Get(hash string) (Record, error) {
	row := r.db.QueryRow(
		`SELECT hash, full_hash, client, date_utc, path, file_name, status
		 FROM files_in_pipeline WHERE hash = ?`, hash)
	rec, err := scanOneRow(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "reading record %q", hash)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOneRow(row rowScanner) (Record, error) {
	var rec Record
	var fullHash int
	var createdStr, status string
	err := row.Scan(&rec.Hash, &fullHash, &rec.Client, &createdStr, &rec.RelativeSubdir, &rec.FileName, &status)
	if err != nil {
		return Record{}, err
	}
	rec.FullHash = fullHash != 0
	rec.Status = Status(status)
	rec.CreatedUTC, err = time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return Record{}, errors.Wrapf(err, "parsing date_utc %q", createdStr)
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanOneRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning record row")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating record rows")
	}
	return out, nil
}

func fullHashInt(spec protocol.FileSpec) int {
	if spec.Digest.Kind.String() == "Full" {
		return 1
	}
	return 0
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
