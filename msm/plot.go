package msm

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/tommyngx/framingham-ms/duration"
)

// PrevalencePlotter plots observed prevalences as points and expected
// prevalences as lines, one color per state.
type PrevalencePlotter struct {
	plt *plot.Plot

	width  vg.Length
	height vg.Length

	names []string
}

// NewPrevalencePlotter returns a plotter with default dimensions.  The
// state names label the legend; states without a name are numbered.
func NewPrevalencePlotter(names []string) *PrevalencePlotter {
	pp := &PrevalencePlotter{
		plt:    plot.New(),
		width:  6,
		height: 4,
		names:  names,
	}
	pp.plt.X.Label.Text = "Time"
	pp.plt.Y.Label.Text = "Prevalence"
	pp.plt.Y.Min = 0
	pp.plt.Y.Max = 1
	return pp
}

// Width sets the width of the plot in inches.
func (pp *PrevalencePlotter) Width(w float64) *PrevalencePlotter {
	pp.width = vg.Length(w)
	return pp
}

// Height sets the height of the plot in inches.
func (pp *PrevalencePlotter) Height(h float64) *PrevalencePlotter {
	pp.height = vg.Length(h)
	return pp
}

func (pp *PrevalencePlotter) name(s int) string {
	if s < len(pp.names) {
		return pp.names[s]
	}
	return fmt.Sprintf("State %d", s+1)
}

func prevalencePoints(pr *Prevalence, s int) plotter.XYs {
	pts := make(plotter.XYs, 0, len(pr.Times))
	for i, t := range pr.Times {
		if pr.NumRisk[i] == 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: t, Y: pr.Props[i][s]})
	}
	return pts
}

// Add draws the observed and expected prevalences of the given 0-based
// states.  Either argument may be nil.
func (pp *PrevalencePlotter) Add(obs, exp *Prevalence, states []int) error {

	for j, s := range states {
		col := plotutil.Color(j)

		if obs != nil {
			sc, err := plotter.NewScatter(prevalencePoints(obs, s))
			if err != nil {
				return err
			}
			sc.Color = col
			sc.Shape = plotutil.Shape(j)
			pp.plt.Add(sc)
			pp.plt.Legend.Add(pp.name(s)+" observed", sc)
		}

		if exp != nil {
			line, err := plotter.NewLine(prevalencePoints(exp, s))
			if err != nil {
				return err
			}
			line.Color = col
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			pp.plt.Add(line)
			pp.plt.Legend.Add(pp.name(s)+" expected", line)
		}
	}

	return nil
}

// Save writes the plot to the given file, in the format implied by the
// file extension.
func (pp *PrevalencePlotter) Save(fname string) error {
	return pp.plt.Save(pp.width*vg.Inch, pp.height*vg.Inch, fname)
}

// SurvivalPlot plots the Kaplan-Meier estimate of the time to entry into
// the given (1-based) absorbing states together with the survival curve
// implied by the fitted model, evaluated at the given times.
func (rslt *MSMResults) SurvivalPlot(absorbing []int, times []float64) (*duration.SurvfuncRightPlotter, error) {

	data := rslt.msm.panel.SurvivalData(absorbing)
	sf, err := duration.NewSurvfuncRight(data, "Time", "Status").Entry("Entry").Done()
	if err != nil {
		return nil, err
	}

	sp := duration.NewSurvfuncRightPlotter().Width(6)
	if err := sp.Add(sf, "Kaplan-Meier"); err != nil {
		return nil, err
	}
	if err := sp.AddCurve(times, rslt.ExpectedSurvival(times, absorbing), "Fitted model"); err != nil {
		return nil, err
	}

	return sp.Plot(), nil
}
