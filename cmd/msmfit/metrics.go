package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tommyngx/framingham-ms/msm"
	"github.com/tommyngx/framingham-ms/panel"
)

// fitMetrics holds the gauges written to the node exporter textfile
// after a batch run.
type fitMetrics struct {
	reg *prometheus.Registry

	subjects     prometheus.Gauge
	observations prometheus.Gauge
	skipped      *prometheus.GaugeVec

	converged  *prometheus.GaugeVec
	iterations *prometheus.GaugeVec
	evals      *prometheus.GaugeVec
	seconds    *prometheus.GaugeVec
	loglike    *prometheus.GaugeVec

	lastRun prometheus.Gauge
}

func newFitMetrics() *fitMetrics {

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &fitMetrics{
		reg: reg,
		subjects: f.NewGauge(prometheus.GaugeOpts{
			Name: "msmfit_panel_subjects",
			Help: "Number of subjects in the panel.",
		}),
		observations: f.NewGauge(prometheus.GaugeOpts{
			Name: "msmfit_panel_observations",
			Help: "Number of observations in the panel.",
		}),
		skipped: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msmfit_panel_skipped_rows",
			Help: "Number of input rows skipped, by kind of problem.",
		}, []string{"kind"}),
		converged: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msmfit_model_converged",
			Help: "1 if the optimizer converged for the model.",
		}, []string{"model"}),
		iterations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msmfit_model_iterations",
			Help: "Major optimizer iterations used by the model.",
		}, []string{"model"}),
		evals: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msmfit_model_function_evaluations",
			Help: "Log-likelihood evaluations used by the optimizer.",
		}, []string{"model"}),
		seconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msmfit_model_fit_seconds",
			Help: "Wall-clock duration of the fit.",
		}, []string{"model"}),
		loglike: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msmfit_model_loglike",
			Help: "Maximized log-likelihood.",
		}, []string{"model"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "msmfit_last_run_timestamp_seconds",
			Help: "Time at which the run finished.",
		}),
	}
}

func (fm *fitMetrics) observePanel(p *panel.Panel, issues panel.Issues) {
	fm.subjects.Set(float64(p.NumSubjects()))
	fm.observations.Set(float64(p.NumObs()))
	for _, k := range []panel.IssueKind{panel.Malformed, panel.StateOutOfRange, panel.NonMonotonic} {
		fm.skipped.WithLabelValues(k.String()).Set(float64(issues.Count(k)))
	}
}

func (fm *fitMetrics) observeFit(name string, rslt *msm.MSMResults) {
	var c float64
	if rslt.Converged() {
		c = 1
	}
	fm.converged.WithLabelValues(name).Set(c)
	fm.iterations.WithLabelValues(name).Set(float64(rslt.Iterations()))
	fm.evals.WithLabelValues(name).Set(float64(rslt.FuncEvaluations()))
	fm.seconds.WithLabelValues(name).Set(rslt.Runtime().Seconds())
	fm.loglike.WithLabelValues(name).Set(rslt.LogLike())
}

func (fm *fitMetrics) write(fname string) error {
	fm.lastRun.SetToCurrentTime()
	return prometheus.WriteToTextfile(fname, fm.reg)
}
