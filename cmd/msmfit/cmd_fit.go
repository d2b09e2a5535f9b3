package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/config"
	"github.com/tommyngx/framingham-ms/msm"
	"github.com/tommyngx/framingham-ms/panel"
)

// variant is one fitted model of the analysis.  err is set when the
// optimizer did not converge, rslt then holds the last iterate.
type variant struct {
	model *config.Model
	rslt  *msm.MSMResults
	err   error
}

func fitVariant(ctx context.Context, a *config.Analysis, mod *config.Model, p *panel.Panel, q0 *mat.Dense, logger *log.Logger) (*msm.MSMResults, error) {

	vlog := log.New(logger.Writer(), fmt.Sprintf("%s%s: ", logger.Prefix(), mod.Name), logger.Flags())

	m, err := msm.NewMSM(p, q0, a.MSMConfig(mod, vlog))
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", mod.Name, err)
	}

	rslt, err := m.Fit(ctx)
	if err != nil && !errors.Is(err, msm.ErrNotConverged) {
		return nil, fmt.Errorf("model %s: %w", mod.Name, err)
	}
	return rslt, err
}

// fitAll fits the variants concurrently.  Structural errors and
// cancellation stop the whole run, non-convergence does not.
func fitAll(ctx context.Context, a *config.Analysis, p *panel.Panel, q0 *mat.Dense, logger *log.Logger) ([]variant, error) {

	variants := make([]variant, len(a.Models))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.Workers)
	for i := range a.Models {
		i := i
		mod := &a.Models[i]
		g.Go(func() error {
			rslt, err := fitVariant(gctx, a, mod, p, q0, logger)
			if err != nil && !errors.Is(err, msm.ErrNotConverged) {
				return err
			}
			variants[i] = variant{model: mod, rslt: rslt, err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return variants, nil
}

// prevalenceGrid returns evenly spaced times covering the follow-up.
func prevalenceGrid(p *panel.Panel, n int) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, sub := range p.Subjects {
		for _, ob := range sub.Obs {
			lo = math.Min(lo, ob.Time)
			hi = math.Max(hi, ob.Time)
		}
	}
	if !(hi > lo) {
		return []float64{lo}
	}
	return floats.Span(make([]float64, n), lo, hi)
}

// outputTimes returns the times at which prevalences and incidences
// are reported.
func outputTimes(a *config.Analysis, p *panel.Panel) []float64 {
	if len(a.Output.PrevalenceTimes) > 0 {
		return a.Output.PrevalenceTimes
	}
	return prevalenceGrid(p, 25)
}

func writeMatrix(w io.Writer, title string, m *mat.Dense) {
	fmt.Fprintf(w, "%s\n%.4f\n", title, mat.Formatted(m, mat.Squeeze()))
}

func runFit(cmd *cobra.Command, args []string) error {

	ctx := cmd.Context()
	runID := uuid.New()
	logger := newLogger(cmd, runID)

	a, p, issues, err := loadAnalysis(configPath, logger)
	if err != nil {
		return err
	}

	metrics := newFitMetrics()
	metrics.observePanel(p, issues)

	st := msm.NewStateTable(p)
	q0, err := a.InitialQ(st)
	if err != nil {
		return err
	}

	start := time.Now()
	variants, err := fitAll(ctx, a, p, q0, logger)
	if err != nil {
		return err
	}
	logger.Printf("fitted %d models in %v", len(variants), time.Since(start).Round(time.Millisecond))

	out := cmd.OutOrStdout()
	level := a.Output.Intervals.Level
	rep := &Report{
		RunID:    runID.String(),
		Analysis: configPath,
		Data: DataReport{
			Subjects:     p.NumSubjects(),
			Observations: p.NumObs(),
			Skipped:      len(issues),
		},
	}

	times := outputTimes(a, p)
	var incidence [][]float64
	if len(a.Output.Survival) > 0 {
		incidence, err = msm.ObservedIncidence(p, a.Output.Survival, times)
		if err != nil {
			return err
		}
	}

	fitted := make(map[string]*msm.MSMResults)
	for _, v := range variants {

		name := v.model.Name
		fitted[name] = v.rslt
		metrics.observeFit(name, v.rslt)

		fmt.Fprintf(out, "\nModel: %s\n", name)
		fmt.Fprint(out, v.rslt.Summary().String())

		mr := newModelReport(name, v.rslt, level)
		if v.err != nil {
			mr.Error = v.err.Error()
			fmt.Fprintf(out, "%v\n", v.err)
			rep.Models = append(rep.Models, mr)
			continue
		}

		writeMatrix(out, "Next-state probabilities:", v.rslt.NextStateProbs(nil))

		for _, t := range a.Output.PMatrixTimes {
			pm := v.rslt.PMatrix(t, nil)
			writeMatrix(out, fmt.Sprintf("P(%g):", t), pm)
			pr := PMatrixReport{Time: t, Estimate: jsonMatrix(pm)}

			lower, upper, err := v.rslt.PMatrixCI(ctx, t, nil, a.CIConfig(logger))
			switch {
			case err == nil:
				pr.Lower = jsonMatrix(lower)
				pr.Upper = jsonMatrix(upper)
			case errors.Is(err, msm.ErrNoVCov):
				logger.Printf("%s: no limits for P(%g): %v", name, t, err)
			default:
				return fmt.Errorf("model %s: %w", name, err)
			}
			mr.PMatrix = append(mr.PMatrix, pr)
		}

		if incidence != nil {
			exp := v.rslt.ExpectedPrevalence(times)
			fmt.Fprintf(out, "%10s %8s %10s %10s\n", "Time", "State", "Observed", "Expected")
			for k, s := range a.Output.Survival {
				ir := IncidenceReport{
					State:    s,
					Times:    times,
					Observed: jsonFloats(incidence[k]),
					Expected: jsonFloats(exp.Column(s - 1)),
				}
				for i, t := range times {
					fmt.Fprintf(out, "%10.3f %8d %10.4f %10.4f\n", t, s, ir.Observed[i], ir.Expected[i])
				}
				mr.Incidence = append(mr.Incidence, ir)
			}
		}

		rep.Models = append(rep.Models, mr)
	}

	for _, v := range variants {
		if v.model.CompareTo == "" {
			continue
		}
		tr := TestReport{Restricted: v.model.CompareTo, Full: v.model.Name}
		restricted := fitted[v.model.CompareTo]
		if !restricted.Converged() || !v.rslt.Converged() {
			tr.Error = "both models must converge"
			rep.Tests = append(rep.Tests, tr)
			continue
		}
		lr, err := msm.LRTest(restricted, v.rslt)
		if err != nil {
			tr.Error = err.Error()
			fmt.Fprintf(out, "\n%s vs %s: %v\n", v.model.CompareTo, v.model.Name, err)
			rep.Tests = append(rep.Tests, tr)
			continue
		}
		fmt.Fprintf(out, "\nLikelihood ratio test, %s vs %s\n%s", v.model.CompareTo, v.model.Name, lr)
		tr.Statistic = jsonFloat(lr.Statistic)
		tr.DF = lr.DF
		tr.PValue = jsonFloat(lr.PValue)
		tr.Notes = lr.Notes
		rep.Tests = append(rep.Tests, tr)
	}

	if plotDir != "" {
		if err := writePlots(a, p, variants, plotDir); err != nil {
			return err
		}
		logger.Printf("plots written to %s", plotDir)
	}

	if jsonPath != "" {
		rep.Created = time.Now().UTC()
		if err := rep.write(jsonPath); err != nil {
			return err
		}
		logger.Printf("report written to %s", jsonPath)
	}

	if metricsPath != "" {
		if err := metrics.write(metricsPath); err != nil {
			return err
		}
	}

	return nil
}

func writePlots(a *config.Analysis, p *panel.Panel, variants []variant, dir string) error {

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	times := outputTimes(a, p)

	states := make([]int, p.NState)
	for j := range states {
		states[j] = j
	}

	for _, v := range variants {
		if v.err != nil {
			continue
		}
		rslt := v.rslt

		obs := msm.ObservedPrevalence(p, rslt.MSM().Mask(), times)
		pp := msm.NewPrevalencePlotter(a.States)
		if err := pp.Add(obs, rslt.ExpectedPrevalence(times), states); err != nil {
			return err
		}
		if err := pp.Save(filepath.Join(dir, v.model.Name+"_prevalence.png")); err != nil {
			return err
		}

		if len(a.Output.Survival) == 0 {
			continue
		}
		sp, err := rslt.SurvivalPlot(a.Output.Survival, times)
		if err != nil {
			return err
		}
		if err := sp.Save(filepath.Join(dir, v.model.Name+"_survival.png")); err != nil {
			return err
		}
	}

	return nil
}
