package main

import (
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tommyngx/framingham-ms/config"
	"github.com/tommyngx/framingham-ms/panel"
)

// newLogger returns the progress logger of a run.  Messages carry the
// first block of the run id so that concurrent runs can be told apart.
func newLogger(cmd *cobra.Command, runID uuid.UUID) *log.Logger {
	var w io.Writer = cmd.ErrOrStderr()
	if quiet {
		w = io.Discard
	}
	return log.New(w, fmt.Sprintf("[%s] ", runID.String()[:8]), log.Ltime)
}

// loadAnalysis reads the analysis file and the panel it refers to.  A
// relative data path is taken relative to the analysis file.
func loadAnalysis(path string, logger *log.Logger) (*config.Analysis, *panel.Panel, panel.Issues, error) {

	a, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	fname := a.Data.File
	if !filepath.IsAbs(fname) {
		fname = filepath.Join(filepath.Dir(path), fname)
	}

	p, issues, err := panel.LoadFile(fname, a.LoadConfig(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	if len(issues) > 0 {
		logger.Printf("%d rows skipped (%d malformed, %d out of range, %d non-monotonic)",
			len(issues), issues.Count(panel.Malformed), issues.Count(panel.StateOutOfRange),
			issues.Count(panel.NonMonotonic))
	}
	logger.Printf("read %d subjects, %d observations from %s", p.NumSubjects(), p.NumObs(), fname)

	return a, p, issues, nil
}
