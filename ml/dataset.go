package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CellPolicy decides what happens to a row with a missing or non-numeric cell.
type CellPolicy string

const (
	// CellPermissive keeps the row and stores NaN for the bad cell.
	CellPermissive CellPolicy = "permissive"
	// CellDrop skips the row.
	CellDrop CellPolicy = "drop"
	// CellStrict fails the whole load.
	CellStrict CellPolicy = "strict"
)

// ParseCellPolicy maps a config value to a CellPolicy. Empty means CellDrop.
func ParseCellPolicy(s string) (CellPolicy, error) {
	switch CellPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CellDrop:
		return CellDrop, nil
	case CellPermissive:
		return CellPermissive, nil
	case CellStrict:
		return CellStrict, nil
	}
	return "", fmt.Errorf("unknown invalid cell policy %q", s)
}

// SeasonRange is an inclusive season filter.
type SeasonRange struct {
	From int `json:"fromSeason"`
	To   int `json:"toSeason"`
}

func (r SeasonRange) Validate() error {
	if r.From > r.To {
		return errors.New("from season must be less than or equal to to season")
	}
	return nil
}

func (r SeasonRange) contains(season int) bool {
	return season >= r.From && season <= r.To
}

type DatasetOptions struct {
	Features     []string
	Label        string
	SeasonColumn string
	Seasons      *SeasonRange
	Encoding     string
	Policy       CellPolicy
}

// Dataset holds parallel feature rows and labels: Features[i] belongs to Labels[i].
type Dataset struct {
	Features [][]float64
	Labels   []float64
	Skipped  int
}

func (d *Dataset) Len() int {
	return len(d.Features)
}

// DatasetError reports a failure to open, read or parse the training file.
type DatasetError struct {
	Path   string
	Row    int
	Column string
	Err    error
}

func (e *DatasetError) Error() string {
	switch {
	case e.Column != "" && e.Row > 0:
		return fmt.Sprintf("dataset %s: row %d column %s: %v", e.Path, e.Row, e.Column, e.Err)
	case e.Column != "":
		return fmt.Sprintf("dataset %s: column %s: %v", e.Path, e.Column, e.Err)
	}
	return fmt.Sprintf("dataset %s: %v", e.Path, e.Err)
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

var (
	errMissingColumn = errors.New("column not found in header")
	errInvalidCell   = errors.New("missing or non-numeric value")
)

// LoadDataset reads a header-row CSV file and extracts the configured columns.
func LoadDataset(path string, opts DatasetOptions) (*Dataset, error) {
	if len(opts.Features) == 0 {
		return nil, &DatasetError{Path: path, Err: errors.New("no feature columns configured")}
	}
	if opts.Label == "" {
		return nil, &DatasetError{Path: path, Err: errors.New("no label column configured")}
	}
	if opts.Policy == "" {
		opts.Policy = CellDrop
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &DatasetError{Path: path, Err: err}
	}
	defer file.Close()

	reader, err := decodingReader(file, opts.Encoding)
	if err != nil {
		return nil, &DatasetError{Path: path, Err: err}
	}
	return ReadDataset(path, reader, opts)
}

// ReadDataset parses CSV content from r. name is only used in errors.
// Rows shorter than the header are kept; their absent cells count as missing.
func ReadDataset(name string, r io.Reader, opts DatasetOptions) (*Dataset, error) {
	header, records, err := readRecords(r)
	if err != nil {
		return nil, &DatasetError{Path: name, Err: err}
	}

	ds := &Dataset{
		Features: make([][]float64, 0, len(records)),
		Labels:   make([]float64, 0, len(records)),
	}
	if len(records) == 0 {
		return ds, nil
	}

	index := make(map[string]int, len(header))
	for i, column := range header {
		if _, dup := index[column]; !dup {
			index[column] = i
		}
	}
	required := append(append([]string{}, opts.Features...), opts.Label)
	if opts.Seasons != nil && opts.SeasonColumn != "" {
		required = append(required, opts.SeasonColumn)
	}
	for _, column := range required {
		if _, ok := index[column]; !ok {
			return nil, &DatasetError{Path: name, Column: column, Err: errMissingColumn}
		}
	}
	cell := func(record []string, column string) string {
		if i := index[column]; i < len(record) {
			return record[i]
		}
		return ""
	}

	for i, record := range records {
		row := i + 2 // header is line 1

		if opts.Seasons != nil && opts.SeasonColumn != "" {
			season, err := strconv.Atoi(strings.TrimSpace(cell(record, opts.SeasonColumn)))
			if err != nil {
				if opts.Policy == CellStrict {
					return nil, &DatasetError{Path: name, Row: row, Column: opts.SeasonColumn, Err: errInvalidCell}
				}
				ds.Skipped++
				continue
			}
			if !opts.Seasons.contains(season) {
				continue
			}
		}

		vector := make([]float64, len(opts.Features))
		valid := true
		for j, column := range opts.Features {
			value, ok := parseCell(cell(record, column))
			if !ok {
				if opts.Policy == CellStrict {
					return nil, &DatasetError{Path: name, Row: row, Column: column, Err: errInvalidCell}
				}
				valid = false
			}
			vector[j] = value
		}
		label, ok := parseCell(cell(record, opts.Label))
		if !ok {
			if opts.Policy == CellStrict {
				return nil, &DatasetError{Path: name, Row: row, Column: opts.Label, Err: errInvalidCell}
			}
			valid = false
		}

		if !valid && opts.Policy == CellDrop {
			ds.Skipped++
			continue
		}
		ds.Features = append(ds.Features, vector)
		ds.Labels = append(ds.Labels, label)
	}
	return ds, nil
}

// readRecords returns the header row and the data rows. Ragged rows are allowed.
func readRecords(r io.Reader) ([]string, [][]string, error) {
	reader := gocsv.LazyCSVReader(r)
	if csvReader, ok := reader.(*csv.Reader); ok {
		csvReader.FieldsPerRecord = -1
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

// parseCell returns NaN and false for anything that is not a finite number.
func parseCell(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return math.NaN(), false
	}
	return value, true
}

func decodingReader(r io.Reader, encoding string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		// spreadsheet exports often start with a byte order mark
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", encoding, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
