package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oszuidwest/auris/internal/types"
)

// Lookup errors.
var (
	ErrNotFound   = errors.New("recording not found")
	ErrNoWaveform = errors.New("no waveform")
)

// Recording is a row of the recordings table.
type Recording struct {
	ID           int64
	Filename     string
	Size         *int64 // nil while the capture service is still writing
	Duration     *float64
	Device       *string
	WaveformHash *string
	PeakDB       *float64
	RMSDB        *float64
	ArchivedAt   *time.Time
	CreatedAt    time.Time
}

// Active reports whether the recording is still being written.
func (r *Recording) Active() bool { return r.Size == nil }

// API converts the row to its API representation. size is used when the
// row has no size yet.
func (r *Recording) API(size int64) types.Recording {
	if r.Size != nil {
		size = *r.Size
	}
	return types.Recording{
		Filename:     r.Filename,
		Size:         size,
		CreatedAt:    r.CreatedAt.UnixMilli(),
		Duration:     r.Duration,
		Device:       r.Device,
		WaveformHash: r.WaveformHash,
		PeakDB:       r.PeakDB,
		RMSDB:        r.RMSDB,
		Archived:     r.ArchivedAt != nil,
	}
}

// NewRecording holds the fields of a row being inserted.
type NewRecording struct {
	Filename  string
	Size      *int64
	Duration  *float64
	Device    *string
	CreatedAt time.Time
}

// Waveform is a cached peak array with its hash and loudness summary.
type Waveform struct {
	JSON   []byte
	Hash   string
	PeakDB float64
	RMSDB  float64
}

const recordingColumns = `id, filename, size, duration, device, waveform_hash, peak_db, rms_db, archived_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(s rowScanner) (*Recording, error) {
	var (
		r          Recording
		size       sql.NullInt64
		duration   sql.NullFloat64
		device     sql.NullString
		hash       sql.NullString
		peakDB     sql.NullFloat64
		rmsDB      sql.NullFloat64
		archivedAt sql.NullInt64
		createdAt  int64
	)
	if err := s.Scan(&r.ID, &r.Filename, &size, &duration, &device, &hash, &peakDB, &rmsDB, &archivedAt, &createdAt); err != nil {
		return nil, err
	}
	if size.Valid {
		r.Size = &size.Int64
	}
	if duration.Valid {
		r.Duration = &duration.Float64
	}
	if device.Valid {
		r.Device = &device.String
	}
	if hash.Valid {
		r.WaveformHash = &hash.String
	}
	if peakDB.Valid {
		r.PeakDB = &peakDB.Float64
	}
	if rmsDB.Valid {
		r.RMSDB = &rmsDB.Float64
	}
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64)
		r.ArchivedAt = &t
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

func (d *DB) queryRecordings(ctx context.Context, query string, args ...any) ([]Recording, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // Read-only query

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// List returns all recordings, newest first.
func (d *DB) List(ctx context.Context) ([]Recording, error) {
	recs, err := d.queryRecordings(ctx, `SELECT `+recordingColumns+` FROM recordings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return recs, nil
}

// Get returns the recording with filename.
func (d *DB) Get(ctx context.Context, filename string) (*Recording, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE filename = ?`, filename)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return r, nil
}

// Insert adds a recording unless one with the same filename exists.
// It reports whether a row was inserted.
func (d *DB) Insert(ctx context.Context, rec NewRecording) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO recordings (filename, size, duration, device, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(filename) DO NOTHING`,
		rec.Filename, rec.Size, rec.Duration, rec.Device, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert recording: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert recording: %w", err)
	}
	return n > 0, nil
}

// Active returns the newest recording that is still being written.
func (d *DB) Active(ctx context.Context) (*Recording, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE size IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active recording: %w", err)
	}
	return r, nil
}

// UpdateMetadata sets the final size and duration of a recording.
func (d *DB) UpdateMetadata(ctx context.Context, filename string, size int64, duration *float64) error {
	return d.execOne(ctx, "update recording",
		`UPDATE recordings SET size = ?, duration = ? WHERE filename = ?`, size, duration, filename)
}

// SaveWaveform stores a waveform. Overwriting with an identical result is harmless.
func (d *DB) SaveWaveform(ctx context.Context, filename string, w Waveform) error {
	return d.execOne(ctx, "save waveform",
		`UPDATE recordings SET waveform = ?, waveform_hash = ?, peak_db = ?, rms_db = ? WHERE filename = ?`,
		string(w.JSON), w.Hash, w.PeakDB, w.RMSDB, filename)
}

// Waveform returns the cached waveform of a recording.
// It returns ErrNotFound for unknown recordings and ErrNoWaveform when none is cached.
func (d *DB) Waveform(ctx context.Context, filename string) (Waveform, error) {
	var (
		data   sql.NullString
		hash   sql.NullString
		peakDB sql.NullFloat64
		rmsDB  sql.NullFloat64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT waveform, waveform_hash, peak_db, rms_db FROM recordings WHERE filename = ?`, filename,
	).Scan(&data, &hash, &peakDB, &rmsDB)
	if errors.Is(err, sql.ErrNoRows) {
		return Waveform{}, ErrNotFound
	}
	if err != nil {
		return Waveform{}, fmt.Errorf("get waveform: %w", err)
	}
	if !data.Valid || data.String == "" {
		return Waveform{}, ErrNoWaveform
	}
	return Waveform{
		JSON:   []byte(data.String),
		Hash:   hash.String,
		PeakDB: peakDB.Float64,
		RMSDB:  rmsDB.Float64,
	}, nil
}

// PendingArchive returns finished recordings that have not been archived, oldest first.
func (d *DB) PendingArchive(ctx context.Context) ([]Recording, error) {
	recs, err := d.queryRecordings(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE size IS NOT NULL AND archived_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending archive: %w", err)
	}
	return recs, nil
}

// MarkArchived records when a recording was uploaded to the archive.
func (d *DB) MarkArchived(ctx context.Context, filename string, at time.Time) error {
	return d.execOne(ctx, "mark archived",
		`UPDATE recordings SET archived_at = ? WHERE filename = ?`, at.UnixMilli(), filename)
}

// Delete removes a recording row. Deleting an unknown recording is not an error.
func (d *DB) Delete(ctx context.Context, filename string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM recordings WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// Filenames returns the set of known filenames.
func (d *DB) Filenames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT filename FROM recordings`)
	if err != nil {
		return nil, fmt.Errorf("list filenames: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan filename: %w", err)
		}
		names[name] = struct{}{}
	}
	return names, rows.Err()
}

// execOne runs a statement that must affect exactly one recording.
func (d *DB) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
