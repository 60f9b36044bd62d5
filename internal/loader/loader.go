package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/service"
	"github.com/samber/lo"
)

// Placeholder stored for blank catalog columns
const Unknown = "N/A"

// Attempt describes one of the four standard score options
type Attempt struct {
	Key     string
	Label   string
	Order   int
	Columns []string
}

// Attempts are the options created for every loaded block, in order
var Attempts = []Attempt{
	{Key: "flash", Label: "Flash (first try)", Order: 1, Columns: []string{"flash"}},
	{Key: "second", Label: "Second try", Order: 2, Columns: []string{"second_try", "segundo_intento"}},
	{Key: "third", Label: "Third try", Order: 3, Columns: []string{"third_try", "tercer_intento"}},
	{Key: "more", Label: "More than three tries", Order: 4, Columns: []string{"more", "mas"}},
}

var gradeColumns = []string{"grade", "grado"}

// PointsTable maps a grade to the points of each attempt, keyed by attempt key
type PointsTable map[string]map[string]int

// Options returns the score options for a grade. Unknown grades earn zero
// points; the second result reports whether the grade was found.
func (t PointsTable) Options(grade string) ([]domain.ScoreOptionInput, bool) {
	points, ok := t[grade]
	return lo.Map(Attempts, func(a Attempt, _ int) domain.ScoreOptionInput {
		return domain.ScoreOptionInput{
			Key:    a.Key,
			Label:  a.Label,
			Points: points[a.Key],
			Order:  a.Order,
		}
	}), ok
}

// header indexes CSV columns by lower-cased name
type header map[string]int

func readHeader(r *csv.Reader) (header, error) {
	names, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	h := make(header, len(names))
	for i, name := range names {
		h[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	return h, nil
}

// index returns the position of the first present alias
func (h header) index(aliases ...string) (int, bool) {
	for _, a := range aliases {
		if i, ok := h[a]; ok {
			return i, true
		}
	}
	return 0, false
}

func (h header) require(aliases ...string) (int, error) {
	i, ok := h.index(aliases...)
	if !ok {
		return 0, fmt.Errorf("missing column %q", aliases[0])
	}
	return i, nil
}

func field(record []string, i int) string {
	if i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}

// ParsePoints reads the points file: a grade column followed by one column
// per attempt. Fractional points are truncated.
func ParsePoints(r io.Reader) (PointsTable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	h, err := readHeader(cr)
	if err != nil {
		return nil, fmt.Errorf("points file: %w", err)
	}
	gradeIdx, err := h.require(gradeColumns...)
	if err != nil {
		return nil, fmt.Errorf("points file: %w", err)
	}
	cols := make(map[string]int, len(Attempts))
	for _, a := range Attempts {
		i, err := h.require(a.Columns...)
		if err != nil {
			return nil, fmt.Errorf("points file: %w", err)
		}
		cols[a.Key] = i
	}

	table := make(PointsTable)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("points file line %d: %w", line, err)
		}

		grade := field(record, gradeIdx)
		if grade == "" {
			continue
		}
		points := make(map[string]int, len(Attempts))
		for key, i := range cols {
			v, err := strconv.ParseFloat(field(record, i), 64)
			if err != nil {
				return nil, fmt.Errorf("points file line %d: invalid %s points %q", line, key, field(record, i))
			}
			points[key] = int(v)
		}
		table[grade] = points
	}
	return table, nil
}

// BlockRow is one parsed line of the blocks file
type BlockRow struct {
	Line  int
	Input domain.BlockInput
}

// ParseBlocks reads the blocks file (lane, grade, color, wall, distance).
// Blank text columns become Unknown and an unreadable distance becomes 0.
func ParseBlocks(r io.Reader, logger *slog.Logger) ([]BlockRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	h, err := readHeader(cr)
	if err != nil {
		return nil, fmt.Errorf("blocks file: %w", err)
	}
	idx := make(map[string]int, 5)
	for _, name := range []string{"lane", "grade", "color", "wall", "distance"} {
		i, err := h.require(name)
		if err != nil {
			return nil, fmt.Errorf("blocks file: %w", err)
		}
		idx[name] = i
	}

	text := func(record []string, name string) string {
		if v := field(record, idx[name]); v != "" {
			return v
		}
		return Unknown
	}

	var rows []BlockRow
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blocks file line %d: %w", line, err)
		}

		in := domain.BlockInput{
			Lane:  text(record, "lane"),
			Grade: text(record, "grade"),
			Color: text(record, "color"),
			Wall:  text(record, "wall"),
		}

		if raw := field(record, idx["distance"]); raw != "" {
			d, err := strconv.Atoi(raw)
			if err != nil || d < 0 {
				logger.Warn("invalid distance, using 0", "lane", in.Lane, "distance", raw, "line", line)
			} else {
				in.Distance = d
			}
		}

		blockType, known := domain.BlockTypeForLane(in.Lane)
		if !known {
			logger.Warn("lane has no block type prefix, loading as boulder", "lane", in.Lane, "line", line)
		}
		in.Type = blockType

		rows = append(rows, BlockRow{Line: line, Input: in})
	}
	return rows, nil
}

// Catalog is the part of the catalog service the loader drives
type Catalog interface {
	UpsertBlockByLane(ctx context.Context, actor *access.Principal, in domain.BlockInput, options []domain.ScoreOptionInput) (*service.UpsertResult, error)
}

// Failure records a block that could not be loaded
type Failure struct {
	Line int
	Lane string
	Err  error
}

// Summary reports the outcome of a load
type Summary struct {
	Created        int
	Updated        int
	OptionsRemoved int
	UnknownGrades  []string
	Failed         []Failure
}

// Total returns the number of rows processed
func (s *Summary) Total() int {
	return s.Created + s.Updated + len(s.Failed)
}

// Loader upserts catalog files into the catalog
type Loader struct {
	catalog Catalog
	logger  *slog.Logger
}

// New creates a loader
func New(catalog Catalog, logger *slog.Logger) *Loader {
	return &Loader{catalog: catalog, logger: logger}
}

// Load parses both files and upserts every block with its four score
// options. Each block is loaded in its own transaction; a failing block is
// recorded and the load continues.
func (l *Loader) Load(ctx context.Context, blocks, points io.Reader) (*Summary, error) {
	table, err := ParsePoints(points)
	if err != nil {
		return nil, err
	}
	l.logger.Info("points loaded", "grades", len(table))

	rows, err := ParseBlocks(blocks, l.logger)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		options, known := table.Options(row.Input.Grade)
		if !known {
			l.logger.Warn("grade not in points file, using 0 points", "lane", row.Input.Lane, "grade", row.Input.Grade)
			summary.UnknownGrades = append(summary.UnknownGrades, row.Input.Grade)
		}

		result, err := l.catalog.UpsertBlockByLane(ctx, access.System, row.Input, options)
		if err != nil {
			l.logger.Error("block not loaded", "lane", row.Input.Lane, "line", row.Line, "error", err)
			summary.Failed = append(summary.Failed, Failure{Line: row.Line, Lane: row.Input.Lane, Err: err})
			continue
		}

		summary.OptionsRemoved += result.OptionsRemoved
		if result.Created {
			summary.Created++
			l.logger.Debug("block created", "lane", row.Input.Lane, "type", row.Input.Type)
		} else {
			summary.Updated++
			l.logger.Debug("block updated", "lane", row.Input.Lane, "type", row.Input.Type)
		}
	}
	summary.UnknownGrades = lo.Uniq(summary.UnknownGrades)

	l.logger.Info("catalog load finished",
		"created", summary.Created,
		"updated", summary.Updated,
		"failed", len(summary.Failed),
	)
	return summary, nil
}
