// Package annotations loads the nodule annotation table (LUNA16 annotations.csv).
package annotations

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"ctnoduleprep/internal/models"
)

// Column names of the annotation table
const (
	ColSeriesUID = "seriesuid"
	ColCoordX    = "coordX"
	ColCoordY    = "coordY"
	ColCoordZ    = "coordZ"
	ColDiameter  = "diameter_mm"
)

// ErrMissingColumn is returned when the header lacks a required column
var ErrMissingColumn = errors.New("annotations: missing column")

var requiredColumns = []string{ColSeriesUID, ColCoordX, ColCoordY, ColCoordZ, ColDiameter}

// Table is the full, read-only annotation table
type Table struct {
	rows     []models.Annotation
	bySeries map[string][]int
}

// NewTable indexes rows by series uid
func NewTable(rows []models.Annotation) *Table {
	t := &Table{rows: rows, bySeries: make(map[string][]int)}
	for i, r := range rows {
		t.bySeries[r.SeriesUID] = append(t.bySeries[r.SeriesUID], i)
	}
	return t
}

// Load reads the table from a CSV file
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening annotations: %w", err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse reads a CSV annotation table. Columns may appear in any order and
// unknown columns are ignored. Series uids are stripped of surrounding
// whitespace.
func Parse(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var rows []models.Annotation
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading annotations: %w", err)
		}
		line, _ := reader.FieldPos(0)

		var values [4]float64
		for i, col := range []string{ColCoordX, ColCoordY, ColCoordZ, ColDiameter} {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[index[col]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: %w", line, col, err)
			}
			values[i] = v
		}

		rows = append(rows, models.Annotation{
			SeriesUID:  strings.TrimSpace(record[index[ColSeriesUID]]),
			Center:     r3.Vec{X: values[0], Y: values[1], Z: values[2]},
			DiameterMM: values[3],
		})
	}

	return NewTable(rows), nil
}

// Rows returns every annotation in file order
func (t *Table) Rows() []models.Annotation {
	return t.rows
}

// Len returns the number of annotations
func (t *Table) Len() int {
	return len(t.rows)
}

// ForSeries returns the annotations of one scan in file order
func (t *Table) ForSeries(uid string) []models.Annotation {
	idx := t.bySeries[uid]
	out := make([]models.Annotation, len(idx))
	for i, j := range idx {
		out[i] = t.rows[j]
	}
	return out
}

// SeriesUIDs returns the distinct series uids in sorted order
func (t *Table) SeriesUIDs() []string {
	uids := make([]string, 0, len(t.bySeries))
	for uid := range t.bySeries {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}
