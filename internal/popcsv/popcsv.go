// Package popcsv loads population CSV files into dataframes and applies
// the profile-driven transformation: schema check, cell cleanup, numeric
// coercion of the count column, optional aggregation and a stable sort.
package popcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// ErrEmpty marks a file that carries a header row but no data.
var ErrEmpty = errors.New("no data rows")

// Profile drives Transform. Loaded from SSM Parameter Store and
// validated against the embedded schema before it gets here.
type Profile struct {
	RequiredColumns []string `json:"requiredColumns"`
	KeyColumn       string   `json:"keyColumn"`
	ValueColumn     string   `json:"valueColumn"`
	GroupBy         []string `json:"groupBy,omitempty"`
	DropEmpty       bool     `json:"dropEmpty,omitempty"`
	OutputPrefix    string   `json:"outputPrefix,omitempty"`
}

// RowError records a data row rejected during the transformation.
// Row is the 1-based line number in the source file, header included.
type RowError struct {
	Row     int
	Column  string
	Message string
}

// Result is the outcome of a Transform run.
type Result struct {
	Frame   dataframe.DataFrame
	Header  []string
	RowsIn  int
	RowsOut int
	BadRows []RowError
}

// Load reads a CSV file with a header row into a string-typed frame.
// Type detection stays off so zip-code style values keep their zeros.
func Load(r io.Reader) (dataframe.DataFrame, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if df.Err != nil {
		if strings.Contains(df.Err.Error(), "empty DataFrame") {
			return df, ErrEmpty
		}
		return df, fmt.Errorf("read csv: %w", df.Err)
	}
	return df, nil
}

// Transform applies p to df. A required column missing from the header
// is a hard error; a row whose count cell fails numeric coercion is
// collected in BadRows and dropped, not fatal.
func Transform(df dataframe.DataFrame, p Profile) (Result, error) {
	names := df.Names()
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, req := range p.RequiredColumns {
		if !have[req] {
			return Result{}, fmt.Errorf("missing column %q", req)
		}
	}
	if len(p.GroupBy) > 0 && p.ValueColumn == "" {
		return Result{}, fmt.Errorf("groupBy requires valueColumn")
	}

	valueIdx := -1
	for i, n := range names {
		if n == p.ValueColumn {
			valueIdx = i
		}
	}

	records := df.Records()
	header := records[0]
	res := Result{Header: header, RowsIn: len(records) - 1}

	clean := [][]string{header}
	for i, rec := range records[1:] {
		line := i + 2 // 1-based, after the header
		empty := true
		for j := range rec {
			rec[j] = strings.TrimSpace(rec[j])
			if rec[j] != "" {
				empty = false
			}
		}
		if empty && p.DropEmpty {
			continue
		}
		if valueIdx >= 0 {
			v := normalizeCount(rec[valueIdx])
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				res.BadRows = append(res.BadRows, RowError{
					Row:     line,
					Column:  p.ValueColumn,
					Message: fmt.Sprintf("not numeric: %q", rec[valueIdx]),
				})
				continue
			}
			rec[valueIdx] = v
		}
		clean = append(clean, rec)
	}
	if len(clean) == 1 {
		// every row rejected or dropped; caller still writes the header
		return res, nil
	}

	out := dataframe.LoadRecords(clean,
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if out.Err != nil {
		return Result{}, fmt.Errorf("rebuild frame: %w", out.Err)
	}

	if len(p.GroupBy) > 0 {
		out = aggregate(out, p)
		if out.Err != nil {
			return Result{}, fmt.Errorf("aggregate: %w", out.Err)
		}
	}

	if p.KeyColumn != "" {
		for _, n := range out.Names() {
			if n == p.KeyColumn {
				out = out.Arrange(dataframe.Sort(p.KeyColumn))
				break
			}
		}
		if out.Err != nil {
			return Result{}, fmt.Errorf("sort: %w", out.Err)
		}
	}

	res.Frame = out
	res.Header = out.Names()
	res.RowsOut = out.Nrow()
	return res, nil
}

// aggregate sums the count column over the groupBy columns and restores
// a plain integer-looking rendering of the sums.
func aggregate(df dataframe.DataFrame, p Profile) dataframe.DataFrame {
	counts := make([]float64, df.Nrow())
	for i, s := range df.Col(p.ValueColumn).Records() {
		counts[i], _ = strconv.ParseFloat(s, 64)
	}
	df = df.Mutate(series.New(counts, series.Float, p.ValueColumn))

	grouped := df.GroupBy(p.GroupBy...)
	if grouped.Err != nil {
		return dataframe.DataFrame{Err: grouped.Err}
	}
	agg := grouped.Aggregation(
		[]dataframe.AggregationType{dataframe.Aggregation_SUM},
		[]string{p.ValueColumn},
	)
	if agg.Err != nil {
		return agg
	}
	agg = agg.Rename(p.ValueColumn, p.ValueColumn+"_SUM")

	// sums of counts are whole numbers; drop the float rendering
	sums := agg.Col(p.ValueColumn).Float()
	rendered := make([]string, len(sums))
	for i, v := range sums {
		rendered[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	agg = agg.Mutate(series.New(rendered, series.String, p.ValueColumn))

	cols := append(append([]string{}, p.GroupBy...), p.ValueColumn)
	return agg.Select(cols)
}

// normalizeCount strips the thousands separators and spaces that show
// up in hand-edited population files.
func normalizeCount(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	return strings.ReplaceAll(s, " ", "")
}

// Write renders the result as CSV. A zero-row result still gets its
// header because gota cannot represent an empty frame.
func (r Result) Write(w io.Writer) error {
	if r.RowsOut == 0 {
		cw := csv.NewWriter(w)
		if err := cw.Write(r.Header); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	}
	if err := r.Frame.WriteCSV(w, dataframe.WriteHeader(true)); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteErrors renders the rejected rows as a CSV report.
func (r Result) WriteErrors(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"row", "column", "message"}); err != nil {
		return err
	}
	for _, e := range r.BadRows {
		if err := cw.Write([]string{strconv.Itoa(e.Row), e.Column, e.Message}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
