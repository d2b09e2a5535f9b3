package msm

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/panel"
)

func TestSimulateDeath(t *testing.T) {

	p, err := Simulate(300, &SimConfig{
		Q:           progressiveQ(),
		Times:       annualTimes(),
		DeathStates: []int{3},
		Seed:        11,
	})
	if err != nil {
		t.Fatal(err)
	}

	if p.NumSubjects() != 300 {
		t.Fatalf("got %d subjects", p.NumSubjects())
	}

	var ndeath, offgrid int
	for _, sub := range p.Subjects {
		if sub.Obs[0].Time != 0 || sub.Obs[0].State != 1 {
			t.Fatalf("subject %s does not start in state 1 at time 0", sub.ID)
		}
		for j, ob := range sub.Obs {
			if j > 0 && ob.State < sub.Obs[j-1].State {
				t.Fatalf("subject %s moves backwards", sub.ID)
			}
			if ob.State == 3 {
				if j != len(sub.Obs)-1 {
					t.Fatalf("subject %s is observed after death", sub.ID)
				}
				ndeath++
				if ob.Time != float64(int(ob.Time)) {
					offgrid++
				}
			}
		}
	}

	if ndeath == 0 || offgrid != ndeath {
		t.Errorf("%d deaths, %d recorded at exact times", ndeath, offgrid)
	}
}

func TestSimulateReproducible(t *testing.T) {

	cfg := &SimConfig{
		Q:          progressiveQ(),
		Times:      annualTimes(),
		InitProbs:  []float64{0.5, 0.5, 0},
		Censor:     &panel.Censoring{Code: 99, States: []int{1, 2}},
		CensorProb: 0.2,
		Seed:       4,
	}

	p1, err := Simulate(50, cfg)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Simulate(50, cfg)
	if err != nil {
		t.Fatal(err)
	}

	var ncens int
	for i := range p1.Subjects {
		o1, o2 := p1.Subjects[i].Obs, p2.Subjects[i].Obs
		if len(o1) != len(o2) {
			t.Fatalf("subject %d differs between runs", i)
		}
		for j := range o1 {
			if o1[j].Time != o2[j].Time || o1[j].State != o2[j].State {
				t.Fatalf("subject %d differs between runs", i)
			}
			if p1.IsCensored(o1[j].State) {
				ncens++
			}
		}
		if p1.IsCensored(o1[0].State) {
			t.Errorf("first observation is censored")
		}
	}

	if ncens == 0 {
		t.Errorf("no observations were censored")
	}
}

func TestSimulateErrors(t *testing.T) {

	bad := []*SimConfig{
		{Q: progressiveQ()},
		{Q: mat.NewDense(2, 2, []float64{-1, 1, 1, 0}), Times: annualTimes()},
		{Q: progressiveQ(), Times: []float64{0, 2, 1}},
		{Q: progressiveQ(), Times: annualTimes(), CovNames: []string{"x"}},
		{Q: progressiveQ(), Times: annualTimes(), CovNames: []string{"x"}, CovGen: bernoulliCov,
			Effects: []SimEffect{{Covariate: "x", From: 1, To: 3, Beta: 1}}},
		{Q: progressiveQ(), Times: annualTimes(),
			Effects: []SimEffect{{Covariate: "y", From: 1, To: 2, Beta: 1}}},
	}

	for j, cfg := range bad {
		if _, err := Simulate(10, cfg); err == nil {
			t.Errorf("configuration %d: expected an error", j)
		}
	}
}
