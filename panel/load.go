package panel

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
)

// errNonFinite is returned by parseFinite for NaN and infinite values.
var errNonFinite = errors.New("panel: value is not finite")

// parseFinite parses a numeric field, rejecting NaN and infinities that
// strconv accepts.
func parseFinite(field string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNonFinite
	}
	return v, nil
}

// ErrMissingColumn is returned when a required column is absent from the
// header of the input file.
var ErrMissingColumn = errors.New("panel: missing column")

// IssueKind classifies a problem with one row of the input.
type IssueKind int

// The kinds of row-level data problems.  Rows with issues are excluded,
// the rest of the data is still loaded.
const (
	Malformed IssueKind = iota
	StateOutOfRange
	NonMonotonic
)

func (k IssueKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case StateOutOfRange:
		return "state out of range"
	case NonMonotonic:
		return "non-monotonic time"
	default:
		return fmt.Sprintf("IssueKind(%d)", int(k))
	}
}

// Issue is a data problem found while loading a panel.
type Issue struct {
	Line    int
	Subject string
	Kind    IssueKind
	Msg     string
}

func (is Issue) String() string {
	if is.Subject == "" {
		return fmt.Sprintf("line %d: %s: %s", is.Line, is.Kind, is.Msg)
	}
	return fmt.Sprintf("line %d (subject %s): %s: %s", is.Line, is.Subject, is.Kind, is.Msg)
}

// Issues is the list of problems found while loading a panel.
type Issues []Issue

// Count returns the number of issues of the given kind.
func (iss Issues) Count(kind IssueKind) int {
	var n int
	for _, is := range iss {
		if is.Kind == kind {
			n++
		}
	}
	return n
}

func (iss Issues) String() string {
	var b strings.Builder
	for _, is := range iss {
		b.WriteString(is.String())
		b.WriteString("\n")
	}
	return b.String()
}

// LoadConfig names the columns of a delimited panel file.
type LoadConfig struct {

	// Column holding the subject identifier
	Subject string

	// Column holding the observation time
	Time string

	// Column holding the state code
	State string

	// Covariate columns, optional
	Covariates []string

	// Number of states, coded 1..NState
	NState int

	// Censoring convention, optional
	Censor *Censoring

	// Field delimiter, defaults to ','
	Comma rune

	// Log receives a line per data issue, optional
	Log *log.Logger
}

// LoadFile reads a panel from the named delimited file.
func LoadFile(fname string, config *LoadConfig) (*Panel, Issues, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, nil, err
	}
	defer fid.Close()

	return Read(fid, config)
}

type columns struct {
	subject, time, state int
	cov                  []int
}

func findColumns(header []string, config *LoadConfig) (*columns, error) {

	pos := make(map[string]int)
	for j, h := range header {
		pos[strings.TrimSpace(h)] = j
	}

	get := func(name, role string) (int, error) {
		j, ok := pos[name]
		if !ok {
			return -1, fmt.Errorf("%w: %s column '%s'", ErrMissingColumn, role, name)
		}
		return j, nil
	}

	var c columns
	var err error
	if c.subject, err = get(config.Subject, "subject"); err != nil {
		return nil, err
	}
	if c.time, err = get(config.Time, "time"); err != nil {
		return nil, err
	}
	if c.state, err = get(config.State, "state"); err != nil {
		return nil, err
	}
	for _, na := range config.Covariates {
		j, err := get(na, "covariate")
		if err != nil {
			return nil, err
		}
		c.cov = append(c.cov, j)
	}

	return &c, nil
}

// Read reads a panel from delimited text with a header line.  Rows that
// cannot be parsed, rows with out-of-range states, and rows whose time
// does not increase within their subject are reported and skipped.  A
// missing column is a fatal error.
func Read(r io.Reader, config *LoadConfig) (*Panel, Issues, error) {

	rdr := csv.NewReader(r)
	rdr.FieldsPerRecord = -1
	rdr.ReuseRecord = true
	if config.Comma != 0 {
		rdr.Comma = config.Comma
	}

	header, err := rdr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("panel: reading header: %w", err)
	}
	header = append([]string(nil), header...)

	cols, err := findColumns(header, config)
	if err != nil {
		return nil, nil, err
	}

	var issues Issues
	report := func(is Issue) {
		issues = append(issues, is)
		if config.Log != nil {
			config.Log.Print(is.String())
		}
	}

	isCensor := func(s int) bool {
		return config.Censor != nil && s == config.Censor.Code
	}

	index := make(map[string]int)
	var subjects []Subject

	for line := 2; ; line++ {

		rec, err := rdr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				report(Issue{Line: line, Kind: Malformed, Msg: perr.Err.Error()})
				continue
			}
			return nil, issues, err
		}

		if len(rec) != len(header) {
			report(Issue{Line: line, Kind: Malformed,
				Msg: fmt.Sprintf("%d fields, expected %d", len(rec), len(header))})
			continue
		}

		id := strings.TrimSpace(rec[cols.subject])
		if id == "" {
			report(Issue{Line: line, Kind: Malformed, Msg: "empty subject identifier"})
			continue
		}

		tm, err := parseFinite(rec[cols.time])
		if err != nil {
			report(Issue{Line: line, Subject: id, Kind: Malformed,
				Msg: fmt.Sprintf("bad time '%s'", rec[cols.time])})
			continue
		}

		st, err := strconv.Atoi(strings.TrimSpace(rec[cols.state]))
		if err != nil {
			report(Issue{Line: line, Subject: id, Kind: Malformed,
				Msg: fmt.Sprintf("bad state '%s'", rec[cols.state])})
			continue
		}
		if !isCensor(st) && (st < 1 || st > config.NState) {
			report(Issue{Line: line, Subject: id, Kind: StateOutOfRange,
				Msg: fmt.Sprintf("state %d not in 1..%d", st, config.NState)})
			continue
		}

		cov := make([]float64, len(cols.cov))
		ok := true
		for j, k := range cols.cov {
			cov[j], err = parseFinite(rec[k])
			if err != nil {
				report(Issue{Line: line, Subject: id, Kind: Malformed,
					Msg: fmt.Sprintf("bad value '%s' for covariate %s", rec[k], config.Covariates[j])})
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		i, seen := index[id]
		if !seen {
			i = len(subjects)
			index[id] = i
			subjects = append(subjects, Subject{ID: id})
		}

		sub := &subjects[i]
		if n := len(sub.Obs); n > 0 && tm <= sub.Obs[n-1].Time {
			report(Issue{Line: line, Subject: id, Kind: NonMonotonic,
				Msg: fmt.Sprintf("time %v does not follow %v", tm, sub.Obs[n-1].Time)})
			continue
		}

		sub.Obs = append(sub.Obs, Observation{Time: tm, State: st, Cov: cov})
	}

	p, err := New(config.NState, config.Censor, config.Covariates, subjects)
	if err != nil {
		return nil, issues, err
	}

	return p, issues, nil
}
