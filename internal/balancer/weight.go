package balancer

import (
	"sync"

	"gatewind/internal/types"
)

// WeightRouteNestedItem is a target with its share of consecutive picks
type WeightRouteNestedItem struct {
	BaseRoute *BaseRoute `json:"base_route" yaml:"base_route"`
	Weight    int        `json:"weight" yaml:"weight"`
}

// WeightRoute returns each target Weight times in a row before moving on.
// index and offset form the cursor of the walk.
type WeightRoute struct {
	Routes []WeightRouteNestedItem `json:"routes" yaml:"routes"`

	mu     sync.Mutex
	index  int
	offset int
}

func (w *WeightRoute) getRoute() (*BaseRoute, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hasEligible() {
		return nil, types.ErrNoAliveTargets
	}
	if w.index >= len(w.Routes) {
		w.index, w.offset = 0, 0
	}

	// Two full passes always reach an eligible target unless liveness
	// changed underneath us.
	for attempts := 0; attempts <= 2*len(w.Routes); attempts++ {
		item := w.Routes[w.index]
		if item.Weight > w.offset && item.BaseRoute.Alive() {
			w.offset++
			return item.BaseRoute, nil
		}
		w.offset = 0
		w.index = (w.index + 1) % len(w.Routes)
	}
	return nil, types.ErrNoAliveTargets
}

func (w *WeightRoute) hasEligible() bool {
	for _, item := range w.Routes {
		if item.Weight > 0 && item.BaseRoute.Alive() {
			return true
		}
	}
	return false
}
