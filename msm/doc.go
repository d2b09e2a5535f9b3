/*
Package msm fits continuous-time multi-state Markov models to panel data,
in which each subject's state is only observed at a sequence of
arbitrary times.

The transition structure is given by the positive off-diagonal entries of
an initial intensity matrix Q.  The likelihood of a subject's observed
states is built from the transition probability matrices P(t) = exp(Qt)
over the intervals between observations.  Observations with the
censoring code contribute the sum over the states in the censoring set,
and entries into a death state can be recorded at an exact time.
Covariates act multiplicatively on the intensities, and intensities may be
piecewise constant between fixed breakpoints.

A typical analysis:

	st := msm.NewStateTable(p)
	q0, err := msm.CrudeInits(st, mask, 0.01)
	model, err := msm.NewMSM(p, q0, msm.DefaultMSMConfig())
	rslt, err := model.Fit(ctx)
	fmt.Println(rslt.Summary())
	pm := rslt.PMatrix(5, nil)
*/
package msm
