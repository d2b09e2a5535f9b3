package panel

import (
	"encoding/csv"
	"io"
	"strconv"
)

// Write writes the panel as delimited text with a header line holding
// the given subject, time and state column names followed by the
// covariate names.  The output can be read back with Read.
func Write(w io.Writer, p *Panel, subject, time, state string) error {

	wtr := csv.NewWriter(w)

	header := append([]string{subject, time, state}, p.CovNames...)
	if err := wtr.Write(header); err != nil {
		return err
	}

	rec := make([]string, len(header))
	for _, sub := range p.Subjects {
		for _, ob := range sub.Obs {
			rec[0] = sub.ID
			rec[1] = strconv.FormatFloat(ob.Time, 'g', -1, 64)
			rec[2] = strconv.Itoa(ob.State)
			for j, v := range ob.Cov {
				rec[3+j] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			if err := wtr.Write(rec); err != nil {
				return err
			}
		}
	}

	wtr.Flush()
	return wtr.Error()
}
