package balancer

import (
	"math/rand"

	"gatewind/internal/types"
)

// RandomBaseRoute wraps a randomly selected target
type RandomBaseRoute struct {
	BaseRoute *BaseRoute `json:"base_route" yaml:"base_route"`
}

// RandomRoute picks uniformly among the alive targets
type RandomRoute struct {
	Routes []RandomBaseRoute `json:"routes" yaml:"routes"`
}

func (r *RandomRoute) getRoute() (*BaseRoute, error) {
	targets := make([]*BaseRoute, 0, len(r.Routes))
	for _, item := range r.Routes {
		targets = append(targets, item.BaseRoute)
	}
	alive := aliveTargets(targets)
	if len(alive) == 0 {
		return nil, types.ErrNoAliveTargets
	}
	return alive[rand.Intn(len(alive))], nil
}
