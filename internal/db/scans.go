package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/thz.scan/internal/scan"
)

// ErrNotFound is returned when a scan ID is not in the store.
var ErrNotFound = errors.New("scan not found")

// ScanSummary is one row of the scan list.
type ScanSummary struct {
	ID         string       `json:"id"`
	Mode       scan.Mode    `json:"mode"`
	Stage      string       `json:"stage,omitempty"`
	Outcome    scan.Outcome `json:"outcome"`
	Samples    int          `json:"samples"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	OutputPath string       `json:"output_path,omitempty"`
}

// SaveScan stores a finished scan with its samples and spectrum. Saving the
// same ID again replaces the earlier copy.
func (db *DB) SaveScan(ctx context.Context, res scan.Result) error {
	if res.ID == "" {
		return errors.New("save scan: missing id")
	}
	cfgJSON, err := json.Marshal(res.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var warnings sql.NullString
	if len(res.Warnings) > 0 {
		b, err := json.Marshal(res.Warnings)
		if err != nil {
			return fmt.Errorf("encode warnings: %w", err)
		}
		warnings = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE scan_id = ?`, res.ID); err != nil {
		return fmt.Errorf("replace scan %s: %w", res.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (scan_id, mode, stage, config_json, outcome, reason, sample_count,
			started_unix_nanos, finished_unix_nanos, warnings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, string(res.Config.Mode), res.Config.Stage, string(cfgJSON),
		res.Outcome.Kind.String(), res.Outcome.Reason, len(res.Samples),
		res.StartedAt.UnixNano(), res.FinishedAt.UnixNano(), warnings)
	if err != nil {
		return fmt.Errorf("insert scan %s: %w", res.ID, err)
	}

	sampleStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_samples (scan_id, idx, delay, x, y, sig_mon) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()
	for i, s := range res.Samples {
		var sigMon sql.NullFloat64
		if s.SigMon != nil {
			sigMon = sql.NullFloat64{Float64: *s.SigMon, Valid: true}
		}
		if _, err := sampleStmt.ExecContext(ctx, res.ID, i, s.Delay, s.X, s.Y, sigMon); err != nil {
			return fmt.Errorf("insert sample %d: %w", i, err)
		}
	}

	binStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_spectrum (scan_id, bin, frequency, amplitude) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer binStmt.Close()
	for i, p := range res.Spectrum {
		if _, err := binStmt.ExecContext(ctx, res.ID, i, p.Frequency, p.Amplitude); err != nil {
			return fmt.Errorf("insert spectrum bin %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logf("stored scan %s (%d samples, %d bins)", res.ID, len(res.Samples), len(res.Spectrum))
	return nil
}

// SetOutputPath records where a scan's data file was written.
func (db *DB) SetOutputPath(ctx context.Context, id, path string) error {
	r, err := db.ExecContext(ctx, `UPDATE scans SET output_path = ? WHERE scan_id = ?`, path, id)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScans returns the most recent scans first. A limit of zero or less
// returns all of them.
func (db *DB) ListScans(ctx context.Context, limit int) ([]ScanSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT scan_id, mode, stage, outcome, reason, sample_count,
			started_unix_nanos, finished_unix_nanos, output_path
		FROM scans
		ORDER BY started_unix_nanos DESC, scan_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (ScanSummary, error) {
	var (
		s                 ScanSummary
		mode, outcome     string
		stage, reason     sql.NullString
		outputPath        sql.NullString
		started, finished int64
	)
	if err := row.Scan(&s.ID, &mode, &stage, &outcome, &reason, &s.Samples,
		&started, &finished, &outputPath); err != nil {
		return ScanSummary{}, err
	}
	s.Mode = scan.Mode(mode)
	s.Stage = stage.String
	s.OutputPath = outputPath.String
	s.StartedAt = time.Unix(0, started).UTC()
	s.FinishedAt = time.Unix(0, finished).UTC()
	if err := s.Outcome.Kind.UnmarshalJSON([]byte(`"` + outcome + `"`)); err != nil {
		return ScanSummary{}, err
	}
	s.Outcome.Reason = reason.String
	return s, nil
}

// LoadScan reads a stored scan back. The typed error of a failed scan is
// not stored; the outcome reason carries its message.
func (db *DB) LoadScan(ctx context.Context, id string) (scan.Result, error) {
	var (
		res      scan.Result
		cfgJSON  string
		warnings sql.NullString
	)
	row := db.QueryRowContext(ctx, `
		SELECT scan_id, mode, stage, outcome, reason, sample_count,
			started_unix_nanos, finished_unix_nanos, output_path, config_json, warnings_json
		FROM scans WHERE scan_id = ?`, id)
	var (
		mode, outcome     string
		stage, reason     sql.NullString
		outputPath        sql.NullString
		count             int
		started, finished int64
	)
	err := row.Scan(&res.ID, &mode, &stage, &outcome, &reason, &count,
		&started, &finished, &outputPath, &cfgJSON, &warnings)
	if errors.Is(err, sql.ErrNoRows) {
		return scan.Result{}, ErrNotFound
	}
	if err != nil {
		return scan.Result{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &res.Config); err != nil {
		return scan.Result{}, fmt.Errorf("decode config of %s: %w", id, err)
	}
	if warnings.Valid {
		if err := json.Unmarshal([]byte(warnings.String), &res.Warnings); err != nil {
			return scan.Result{}, fmt.Errorf("decode warnings of %s: %w", id, err)
		}
	}
	if err := res.Outcome.Kind.UnmarshalJSON([]byte(`"` + outcome + `"`)); err != nil {
		return scan.Result{}, err
	}
	res.Outcome.Reason = reason.String
	res.StartedAt = time.Unix(0, started).UTC()
	res.FinishedAt = time.Unix(0, finished).UTC()

	if res.Samples, err = db.loadSamples(ctx, id, count); err != nil {
		return scan.Result{}, err
	}
	if res.Spectrum, err = db.loadSpectrum(ctx, id); err != nil {
		return scan.Result{}, err
	}
	return res, nil
}

func (db *DB) loadSamples(ctx context.Context, id string, count int) ([]scan.Sample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT idx, delay, x, y, sig_mon FROM scan_samples WHERE scan_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]scan.Sample, 0, count)
	for rows.Next() {
		var (
			s              scan.Sample
			delay, x, y, m sql.NullFloat64
		)
		if err := rows.Scan(&s.Index, &delay, &x, &y, &m); err != nil {
			return nil, err
		}
		s.Delay, s.X, s.Y = orNaN(delay), orNaN(x), orNaN(y)
		if m.Valid {
			v := m.Float64
			s.SigMon = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) loadSpectrum(ctx context.Context, id string) ([]scan.SpectrumPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT frequency, amplitude FROM scan_spectrum WHERE scan_id = ? ORDER BY bin`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scan.SpectrumPoint
	for rows.Next() {
		var f, a sql.NullFloat64
		if err := rows.Scan(&f, &a); err != nil {
			return nil, err
		}
		out = append(out, scan.SpectrumPoint{Frequency: orNaN(f), Amplitude: orNaN(a)})
	}
	return out, rows.Err()
}

// orNaN undoes SQLite's storage of NaN as NULL.
func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// DeleteScan removes a scan and its rows.
func (db *DB) DeleteScan(ctx context.Context, id string) error {
	r, err := db.ExecContext(ctx, `DELETE FROM scans WHERE scan_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
