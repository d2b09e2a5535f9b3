package msm

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/tommyngx/framingham-ms/panel"
)

// ErrUnreachable is returned when the data contain a pair of consecutive
// states that the transition structure cannot produce.
var ErrUnreachable = errors.New("msm: observed transition is not reachable under the transition structure")

func maskGraph(mask QMask) *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	for r := range mask {
		g.AddNode(simple.Node(r))
	}
	for _, tr := range mask.Transitions() {
		g.SetEdge(simple.Edge{F: simple.Node(tr[0]), T: simple.Node(tr[1])})
	}
	return g
}

// checkReachable confirms that every observed pair of consecutive states
// can be produced by a sequence of permitted transitions.  For censored
// observations it is enough that one of the possible states connects.
func checkReachable(mask QMask, st *StateTable, p *panel.Panel) error {

	g := maskGraph(mask)

	var errs []error
	for _, pr := range st.Observed() {
		ok := false
		for _, r := range p.Possible(pr[0]) {
			for _, s := range p.Possible(pr[1]) {
				if r == s || topo.PathExistsIn(g, simple.Node(r), simple.Node(s)) {
					ok = true
				}
			}
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %d -> %d", ErrUnreachable, pr[0], pr[1]))
		}
	}

	return errors.Join(errs...)
}
