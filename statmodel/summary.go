package statmodel

import (
	"fmt"
	"strings"
)

// Fmter formats the elements of an array of values.  The second argument
// is the column header, which may be used to determine the width.
type Fmter func(interface{}, string) []string

// SummaryTable holds the summary values for a fitted model.
type SummaryTable struct {

	// Title
	Title string

	// Column names
	ColNames []string

	// Formatters for the column values
	ColFmt []Fmter

	// Cols[j] is the j^th column.  It's concrete type should
	// be an array, e.g. of numbers or strings.
	Cols []interface{}

	// Values at the top of the summary, laid out in two columns
	Top []string

	// Messages displayed below the table
	Msg []string

	// Total width of the table
	tw int
}

// FmtStrings left-justifies a column of strings.
func FmtStrings(x interface{}, h string) []string {
	y := x.([]string)
	m := len(h)
	for i := range y {
		if len(y[i]) > m {
			m = len(y[i])
		}
	}
	z := make([]string, len(y))
	for i := range y {
		z[i] = fmt.Sprintf("%-*s", m, y[i])
	}
	return z
}

// FmtFloats formats a column of numbers with four decimals.
func FmtFloats(x interface{}, h string) []string {
	y := x.([]float64)
	s := make([]string, len(y))
	for i := range y {
		s[i] = fmt.Sprintf("%10.4f", y[i])
	}
	return s
}

// FmtInts formats a column of integers.
func FmtInts(x interface{}, h string) []string {
	y := x.([]int)
	s := make([]string, len(y))
	for i := range y {
		s[i] = fmt.Sprintf("%10d", y[i])
	}
	return s
}

// cleanTop pads all fields in the top part of the table to the same width.
func (s *SummaryTable) cleanTop() {

	w := 0
	for _, x := range s.Top {
		if len(x) > w {
			w = len(x)
		}
	}

	for i, x := range s.Top {
		s.Top[i] = x + strings.Repeat(" ", w-len(x))
	}
}

// top constructs the upper part of the table, which contains summary
// values for the model, two per line.
func (s *SummaryTable) top(b *strings.Builder, gap int) {

	for j, x := range s.Top {
		b.WriteString(x)
		if j%2 == 1 {
			b.WriteString("\n")
		} else {
			b.WriteString(strings.Repeat(" ", gap))
		}
	}

	if len(s.Top)%2 == 1 {
		b.WriteString("\n")
	}
}

// String returns the table as a string.
func (s *SummaryTable) String() string {

	s.cleanTop()

	var tab [][]string
	var wx []int
	for j, c := range s.Cols {
		u := s.ColFmt[j](c, s.ColNames[j])
		tab = append(tab, u)
		w := len(s.ColNames[j])
		for _, v := range u {
			if len(v) > w {
				w = len(v)
			}
		}
		wx = append(wx, w+1)
	}

	gap := 10

	s.tw = 0
	for _, w := range wx {
		s.tw += w
	}
	if s.tw < len(s.Title) {
		s.tw = len(s.Title)
	}
	if len(s.Top) > 0 && s.tw < gap+2*len(s.Top[0]) {
		s.tw = gap + 2*len(s.Top[0])
	}

	var b strings.Builder

	// Center the title
	kr := (s.tw - len(s.Title)) / 2
	if kr < 0 {
		kr = 0
	}
	b.WriteString(strings.Repeat(" ", kr) + s.Title + "\n")
	b.WriteString(strings.Repeat("=", s.tw) + "\n")
	if len(s.Top) > 0 {
		s.top(&b, gap)
		b.WriteString(strings.Repeat("-", s.tw) + "\n")
	}

	for j, c := range s.ColNames {
		fmt.Fprintf(&b, "%*s", wx[j], c)
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", s.tw) + "\n")

	nrow := 0
	if len(tab) > 0 {
		nrow = len(tab[0])
	}
	for i := 0; i < nrow; i++ {
		for j := range tab {
			fmt.Fprintf(&b, "%*s", wx[j], tab[j][i])
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat("-", s.tw) + "\n")

	for _, msg := range s.Msg {
		b.WriteString(msg + "\n")
	}

	return b.String()
}
