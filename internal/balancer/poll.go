package balancer

import (
	"sync"

	"gatewind/internal/types"
)

// PollBaseRoute wraps a round-robin target
type PollBaseRoute struct {
	BaseRoute *BaseRoute `json:"base_route" yaml:"base_route"`
}

// PollRoute cycles over the alive targets
type PollRoute struct {
	Routes []PollBaseRoute `json:"routes" yaml:"routes"`

	mu           sync.Mutex
	currentIndex int
}

func (p *PollRoute) getRoute() (*BaseRoute, error) {
	targets := make([]*BaseRoute, 0, len(p.Routes))
	for _, item := range p.Routes {
		targets = append(targets, item.BaseRoute)
	}
	alive := aliveTargets(targets)
	if len(alive) == 0 {
		return nil, types.ErrNoAliveTargets
	}

	p.mu.Lock()
	p.currentIndex = (p.currentIndex + 1) % len(alive)
	index := p.currentIndex
	p.mu.Unlock()

	return alive[index], nil
}
