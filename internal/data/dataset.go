// Package data loads tabular CSV datasets and handles the min-max
// normalization shared by training and scoring.
package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Dataset is a loaded tabular dataset. Raw holds the feature values as
// read; Labels is nil when the data carries no label column.
type Dataset struct {
	Columns []string
	Raw     *mat.Dense
	Labels  []int
}

// LoadCSV reads a headered CSV file. When labelColumn names a header that
// is present, that column is split off as 0/1 labels; when it is empty or
// absent, the data is treated as unlabeled.
func LoadCSV(path, labelColumn string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer f.Close()

	ds, err := readCSV(f, labelColumn)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return ds, nil
}

func readCSV(r io.Reader, labelColumn string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := -1
	columns := make([]string, 0, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if labelColumn != "" && name == labelColumn {
			if labelIdx >= 0 {
				return nil, fmt.Errorf("label column %q appears twice", labelColumn)
			}
			labelIdx = i
			continue
		}
		columns = append(columns, name)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no feature columns")
	}

	var (
		values []float64
		labels []int
		rows   int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", rows+2, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", rows+2, len(record), len(header))
		}

		for i, field := range record {
			if i == labelIdx {
				label, err := parseLabel(field)
				if err != nil {
					return nil, fmt.Errorf("row %d, column %q: %w", rows+2, labelColumn, err)
				}
				labels = append(labels, label)
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: not a number: %q", rows+2, header[i], field)
			}
			values = append(values, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("no data rows")
	}

	ds := &Dataset{
		Columns: columns,
		Raw:     mat.NewDense(rows, len(columns), values),
	}
	if labelIdx >= 0 {
		ds.Labels = labels
	}
	return ds, nil
}

func parseLabel(field string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", field)
	}
	switch v {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	default:
		return 0, fmt.Errorf("labels must be 0 or 1, got %g", v)
	}
}

// Rows returns the sample count.
func (d *Dataset) Rows() int {
	rows, _ := d.Raw.Dims()
	return rows
}

// Features returns the feature count.
func (d *Dataset) Features() int {
	_, cols := d.Raw.Dims()
	return cols
}

// Labeled reports whether a label column was present.
func (d *Dataset) Labeled() bool {
	return d.Labels != nil
}

// Bounds computes the per-feature minimum and maximum. These are persisted
// with the model so prediction scales new data identically.
func (d *Dataset) Bounds() (mins, maxs []float64) {
	rows, cols := d.Raw.Dims()
	mins = make([]float64, cols)
	maxs = make([]float64, cols)
	for j := 0; j < cols; j++ {
		mins[j] = d.Raw.At(0, j)
		maxs[j] = d.Raw.At(0, j)
		for i := 1; i < rows; i++ {
			v := d.Raw.At(i, j)
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	return mins, maxs
}

// Normalize scales every value into [0, 1] with the given bounds. Constant
// columns map to 0.5; values beyond the bounds land outside [0, 1].
func Normalize(raw *mat.Dense, mins, maxs []float64) (*mat.Dense, error) {
	rows, cols := raw.Dims()
	if len(mins) != cols || len(maxs) != cols {
		return nil, fmt.Errorf("bounds cover %d/%d columns, data has %d", len(mins), len(maxs), cols)
	}

	out := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		span := maxs[j] - mins[j]
		for i := 0; i < rows; i++ {
			if span == 0 {
				out.Set(i, j, 0.5)
				continue
			}
			out.Set(i, j, (raw.At(i, j)-mins[j])/span)
		}
	}
	return out, nil
}
