package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tommyngx/framingham-ms/msm"
)

func runStateTable(cmd *cobra.Command, args []string) error {

	logger := newLogger(cmd, uuid.New())
	a, p, _, err := loadAnalysis(configPath, logger)
	if err != nil {
		return err
	}

	st := msm.NewStateTable(p)
	out := cmd.OutOrStdout()
	fmt.Fprint(out, st.String())

	// Panel data can show jumps without a direct intensity, these must
	// pass through intermediate states.
	mask := a.Mask()
	for _, pr := range st.Observed() {
		r, s := pr[0], pr[1]
		if p.IsCensored(r) || p.IsCensored(s) || r == s {
			continue
		}
		if !mask[r-1][s-1] {
			fmt.Fprintf(out, "note: observed %d -> %d has no direct intensity\n", r, s)
		}
	}

	return nil
}
