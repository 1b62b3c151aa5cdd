// Package resultstore persists the result tensors and their axes as one
// SQLite file. The file is built next to its destination and renamed over
// it, so an interrupted write never damages the previous artifact.
package resultstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pvbench/internal/models"
	"pvbench/pkg/aggregation"
)

// SchemaVersion is recorded in the meta table
const SchemaVersion = "1"

const schema = `
	CREATE TABLE meta (
		key               TEXT PRIMARY KEY,
		value             TEXT NOT NULL
	);
	CREATE TABLE axes (
		axis              TEXT NOT NULL,
		position          INTEGER NOT NULL,
		label             TEXT NOT NULL,
		value             DOUBLE,
		PRIMARY KEY (axis, position)
	);
	CREATE TABLE tensors (
		name              TEXT PRIMARY KEY,
		dtype             TEXT NOT NULL,
		shape             TEXT NOT NULL,
		axes              TEXT NOT NULL
	);
	CREATE TABLE cells (
		tensor            TEXT NOT NULL,
		idx               INTEGER NOT NULL,
		value             DOUBLE NOT NULL,
		PRIMARY KEY (tensor, idx),
		FOREIGN KEY (tensor) REFERENCES tensors(name)
	);
`

// Axis names
const (
	AxisSubject    = "subject"
	AxisResolution = "resolution"
	AxisMethod     = "method"
	AxisSession    = "session"
	AxisTissue     = "tissue"
	AxisBinEdge    = "hist_bin"
	AxisBin        = "bin"
	AxisStructure  = "structure"
)

// TensorAxes documents the axis order of every stored tensor
var TensorAxes = map[string][]string{
	aggregation.TensorSums:       {AxisSubject, AxisResolution, AxisMethod, AxisSession, AxisTissue},
	aggregation.TensorVoxs:       {AxisSubject, AxisResolution, AxisMethod, AxisSession, AxisTissue},
	aggregation.TensorDiffs:      {AxisSubject, AxisResolution, AxisSession, AxisTissue, AxisBin},
	aggregation.TensorDiffCounts: {AxisSubject, AxisResolution, AxisSession, AxisBin},
	aggregation.TensorStructs:    {AxisSubject, AxisSession, AxisStructure},
	aggregation.TensorCellOK:     {AxisSubject, AxisResolution},
	aggregation.TensorHistBins:   {AxisBinEdge},
}

// Artifact is a result read back from storage
type Artifact struct {
	RunID     string
	CreatedAt time.Time
	Schema    string
	Result    *aggregation.Result
}

// Write stores res at path and returns the generated run ID. Any existing
// file at path is replaced only once the new one is complete.
func Write(ctx context.Context, path string, res *aggregation.Result) (string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create result directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp result file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
			os.Remove(tmpPath + "-journal")
		}
	}()

	runID := uuid.New().String()
	if err := writeDB(ctx, tmpPath, runID, res); err != nil {
		return "", err
	}

	if err := syncFile(tmpPath); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to move result file into place: %w", err)
	}
	committed = true
	return runID, nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync result file: %w", err)
	}
	return f.Close()
}

func writeDB(ctx context.Context, path, runID string, res *aggregation.Result) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create result schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	meta := map[string]string{
		"run_id":     runID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"schema":     SchemaVersion,
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", k, err)
		}
	}

	if err := writeAxes(ctx, tx, res.Axes); err != nil {
		return err
	}

	names := make([]string, 0, len(res.Tensors))
	for name := range res.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	cellStmt, err := tx.PrepareContext(ctx, `INSERT INTO cells (tensor, idx, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer cellStmt.Close()

	for _, name := range names {
		t := res.Tensors[name]
		dtype := "float64"
		if t.Integer {
			dtype = "int64"
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tensors (name, dtype, shape, axes) VALUES (?, ?, ?, ?)`,
			name, dtype, formatShape(t.Shape), strings.Join(TensorAxes[name], ",")); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
		for i, v := range t.Data {
			var value interface{} = v
			if t.Integer {
				value = int64(v)
			}
			if _, err := cellStmt.ExecContext(ctx, name, i, value); err != nil {
				return fmt.Errorf("failed to write tensor %s cell %d: %w", name, i, err)
			}
		}
	}

	return tx.Commit()
}

type axisRow struct {
	label string
	value sql.NullFloat64
}

func writeAxes(ctx context.Context, tx *sql.Tx, axes aggregation.Axes) error {
	rows := map[string][]axisRow{}
	for _, s := range axes.Subjects {
		rows[AxisSubject] = append(rows[AxisSubject], axisRow{label: string(s)})
	}
	for _, r := range axes.Resolutions {
		rows[AxisResolution] = append(rows[AxisResolution], axisRow{r.Label(), sql.NullFloat64{Float64: float64(r), Valid: true}})
	}
	for _, m := range axes.Methods {
		rows[AxisMethod] = append(rows[AxisMethod], axisRow{label: string(m)})
	}
	for _, s := range axes.Sessions {
		rows[AxisSession] = append(rows[AxisSession], axisRow{s.String(), sql.NullFloat64{Float64: float64(s), Valid: true}})
	}
	for _, t := range axes.Tissues {
		rows[AxisTissue] = append(rows[AxisTissue], axisRow{t.String(), sql.NullFloat64{Float64: float64(t), Valid: true}})
	}
	for _, e := range axes.HistBins {
		rows[AxisBinEdge] = append(rows[AxisBinEdge], axisRow{strconv.FormatFloat(e, 'f', -1, 64), sql.NullFloat64{Float64: e, Valid: true}})
	}
	for _, s := range axes.Structures {
		rows[AxisStructure] = append(rows[AxisStructure], axisRow{label: s})
	}

	for axis, list := range rows {
		for i, r := range list {
			if _, err := tx.ExecContext(ctx, `INSERT INTO axes (axis, position, label, value) VALUES (?, ?, ?, ?)`,
				axis, i, r.label, r.value); err != nil {
				return fmt.Errorf("failed to write axis %s: %w", axis, err)
			}
		}
	}
	return nil
}

// Read loads an artifact written by Write
func Read(ctx context.Context, path string) (*Artifact, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	art := &Artifact{Result: &aggregation.Result{Tensors: map[string]*models.Tensor{}}}

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, err
		}
		switch k {
		case "run_id":
			art.RunID = v
		case "schema":
			art.Schema = v
		case "created_at":
			if art.CreatedAt, err = time.Parse(time.RFC3339, v); err != nil {
				rows.Close()
				return nil, fmt.Errorf("bad created_at %q: %w", v, err)
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if art.Result.Axes, err = readAxes(ctx, db); err != nil {
		return nil, err
	}
	if err := readTensors(ctx, db, art.Result); err != nil {
		return nil, err
	}
	return art, nil
}

func readAxes(ctx context.Context, db *sql.DB) (aggregation.Axes, error) {
	var axes aggregation.Axes
	rows, err := db.QueryContext(ctx, `SELECT axis, label, value FROM axes ORDER BY axis, position`)
	if err != nil {
		return axes, fmt.Errorf("failed to read axes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var axis, label string
		var value sql.NullFloat64
		if err := rows.Scan(&axis, &label, &value); err != nil {
			return axes, err
		}
		switch axis {
		case AxisSubject:
			axes.Subjects = append(axes.Subjects, models.Subject(label))
		case AxisResolution:
			axes.Resolutions = append(axes.Resolutions, models.Resolution(value.Float64))
		case AxisMethod:
			axes.Methods = append(axes.Methods, models.Method(label))
		case AxisSession:
			axes.Sessions = append(axes.Sessions, models.Session(int(value.Float64)))
		case AxisTissue:
			axes.Tissues = append(axes.Tissues, models.Tissue(int(value.Float64)))
		case AxisBinEdge:
			axes.HistBins = append(axes.HistBins, value.Float64)
		case AxisStructure:
			axes.Structures = append(axes.Structures, label)
		}
	}
	return axes, rows.Err()
}

func readTensors(ctx context.Context, db *sql.DB, res *aggregation.Result) error {
	rows, err := db.QueryContext(ctx, `SELECT name, dtype, shape FROM tensors`)
	if err != nil {
		return fmt.Errorf("failed to read tensors: %w", err)
	}
	for rows.Next() {
		var name, dtype, shape string
		if err := rows.Scan(&name, &dtype, &shape); err != nil {
			rows.Close()
			return err
		}
		dims, err := parseShape(shape)
		if err != nil {
			rows.Close()
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		t := models.NewTensor(dims...)
		t.Integer = dtype == "int64"
		res.Tensors[name] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	cells, err := db.QueryContext(ctx, `SELECT tensor, idx, value FROM cells`)
	if err != nil {
		return fmt.Errorf("failed to read cells: %w", err)
	}
	defer cells.Close()
	for cells.Next() {
		var name string
		var idx int
		var value float64
		if err := cells.Scan(&name, &idx, &value); err != nil {
			return err
		}
		t, ok := res.Tensors[name]
		if !ok || idx < 0 || idx >= t.Len() {
			return fmt.Errorf("cell %s[%d] outside any stored tensor", name, idx)
		}
		t.Data[idx] = value
	}
	return cells.Err()
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad shape %q", s)
		}
		dims[i] = d
	}
	return dims, nil
}
