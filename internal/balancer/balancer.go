// Package balancer implements the upstream selection strategies for gatewind
package balancer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"

	"gatewind/internal/types"
)

// StrategyType names one variant of Strategy
type StrategyType string

const (
	PollRouteType   StrategyType = "PollRoute"
	RandomRouteType StrategyType = "RandomRoute"
	WeightRouteType StrategyType = "WeightRoute"
	HeaderRouteType StrategyType = "HeaderRoute"
)

// Strategy is a closed union over the four selection algorithms. Exactly one
// variant pointer is set and it matches Type. Variants own their cursors, so
// a Strategy is shared by pointer between every worker serving the route.
type Strategy struct {
	Type   StrategyType
	Poll   *PollRoute
	Random *RandomRoute
	Weight *WeightRoute
	Header *HeaderRoute

	logger types.Logger
}

// NewPollStrategy builds a round-robin strategy over targets
func NewPollStrategy(targets ...*BaseRoute) *Strategy {
	p := &PollRoute{}
	for _, t := range targets {
		p.Routes = append(p.Routes, PollBaseRoute{BaseRoute: t})
	}
	return &Strategy{Type: PollRouteType, Poll: p}
}

// NewRandomStrategy builds a uniform random strategy over targets
func NewRandomStrategy(targets ...*BaseRoute) *Strategy {
	r := &RandomRoute{}
	for _, t := range targets {
		r.Routes = append(r.Routes, RandomBaseRoute{BaseRoute: t})
	}
	return &Strategy{Type: RandomRouteType, Random: r}
}

// NewWeightStrategy builds a weighted strategy
func NewWeightStrategy(items ...WeightRouteNestedItem) *Strategy {
	return &Strategy{Type: WeightRouteType, Weight: &WeightRoute{Routes: items}}
}

// NewHeaderStrategy builds a header-matching strategy
func NewHeaderStrategy(items ...HeaderRouteNestedItem) *Strategy {
	return &Strategy{Type: HeaderRouteType, Header: &HeaderRoute{Routes: items}}
}

// Compile validates the variant, assigns missing target ids and prepares
// header rules. It must run before the strategy serves traffic.
func (s *Strategy) Compile(logger types.Logger) error {
	if logger == nil {
		logger = types.NopLogger{}
	}
	s.logger = logger

	if _, err := s.variant(); err != nil {
		return err
	}

	for _, t := range s.Targets() {
		if t == nil {
			return types.ValidationError{Field: "route_cluster.routes.base_route", Message: "target is required"}
		}
		if t.Endpoint == "" {
			return types.ValidationError{Field: "route_cluster.routes.base_route.endpoint", Message: "endpoint is required"}
		}
		t.ensureID()
	}

	switch s.Type {
	case WeightRouteType:
		for _, item := range s.Weight.Routes {
			if item.Weight < 0 {
				return types.ValidationError{Field: "route_cluster.routes.weight", Message: types.ErrInvalidWeight.Error()}
			}
		}
	case HeaderRouteType:
		for i := range s.Header.Routes {
			if err := s.Header.Routes[i].compile(); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetRoute selects one alive target for a request
func (s *Strategy) GetRoute(headers http.Header) (*BaseRoute, error) {
	switch s.Type {
	case PollRouteType:
		return s.Poll.getRoute()
	case RandomRouteType:
		return s.Random.getRoute()
	case WeightRouteType:
		return s.Weight.getRoute()
	case HeaderRouteType:
		return s.Header.getRoute(headers, s.log())
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", types.ErrInvalidConfiguration, s.Type)
	}
}

// Targets returns every target, dead ones included, for health collaborators
func (s *Strategy) Targets() []*BaseRoute {
	var targets []*BaseRoute
	switch s.Type {
	case PollRouteType:
		for _, item := range s.Poll.Routes {
			targets = append(targets, item.BaseRoute)
		}
	case RandomRouteType:
		for _, item := range s.Random.Routes {
			targets = append(targets, item.BaseRoute)
		}
	case WeightRouteType:
		for _, item := range s.Weight.Routes {
			targets = append(targets, item.BaseRoute)
		}
	case HeaderRouteType:
		for _, item := range s.Header.Routes {
			targets = append(targets, item.BaseRoute)
		}
	}
	return targets
}

// Len returns the number of targets in the cluster
func (s *Strategy) Len() int {
	return len(s.Targets())
}

// Target looks a target up by id
func (s *Strategy) Target(id string) (*BaseRoute, bool) {
	for _, t := range s.Targets() {
		if t.BaseRouteID == id {
			return t, true
		}
	}
	return nil, false
}

func (s *Strategy) log() types.Logger {
	if s.logger == nil {
		return types.NopLogger{}
	}
	return s.logger
}

func (s *Strategy) variant() (any, error) {
	var v any
	switch s.Type {
	case PollRouteType:
		if s.Poll != nil {
			v = s.Poll
		}
	case RandomRouteType:
		if s.Random != nil {
			v = s.Random
		}
	case WeightRouteType:
		if s.Weight != nil {
			v = s.Weight
		}
	case HeaderRouteType:
		if s.Header != nil {
			v = s.Header
		}
	default:
		return nil, types.ValidationError{Field: "route_cluster.type", Message: fmt.Sprintf("unknown strategy type %q", s.Type)}
	}
	if v == nil {
		return nil, types.ValidationError{Field: "route_cluster", Message: fmt.Sprintf("missing %s body", s.Type)}
	}
	return v, nil
}

// pollDocument and weightDocument are the encoded bodies of the stateful
// variants. They carry the targets only; the cursors stay behind the
// variant mutex while a request moves them.
type pollDocument struct {
	Routes []PollBaseRoute `json:"routes" yaml:"routes"`
}

type weightDocument struct {
	Routes []WeightRouteNestedItem `json:"routes" yaml:"routes"`
}

// document returns the value encoded for the variant
func (s *Strategy) document() (any, error) {
	v, err := s.variant()
	if err != nil {
		return nil, err
	}
	switch body := v.(type) {
	case *PollRoute:
		return pollDocument{Routes: body.Routes}, nil
	case *WeightRoute:
		return weightDocument{Routes: body.Routes}, nil
	default:
		return v, nil
	}
}

func (s *Strategy) decode(t StrategyType, decode func(any) error) error {
	*s = Strategy{Type: t}
	switch t {
	case PollRouteType:
		s.Poll = &PollRoute{}
		return decode(s.Poll)
	case RandomRouteType:
		s.Random = &RandomRoute{}
		return decode(s.Random)
	case WeightRouteType:
		s.Weight = &WeightRoute{}
		return decode(s.Weight)
	case HeaderRouteType:
		s.Header = &HeaderRoute{}
		return decode(s.Header)
	default:
		return types.ValidationError{Field: "route_cluster.type", Message: fmt.Sprintf("unknown strategy type %q", t)}
	}
}

type strategyTag struct {
	Type StrategyType `json:"type" yaml:"type"`
}

// MarshalJSON writes the variant body with the "type" tag inlined
func (s *Strategy) MarshalJSON() ([]byte, error) {
	v, err := s.document()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(string(s.Type))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func (s *Strategy) UnmarshalJSON(data []byte) error {
	var tag strategyTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	return s.decode(tag.Type, func(v any) error { return json.Unmarshal(data, v) })
}

// MarshalYAML writes the variant mapping with the "type" key first
func (s *Strategy) MarshalYAML() (interface{}, error) {
	v, err := s.document()
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, err
	}
	tag := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(s.Type)},
	}
	node.Content = append(tag, node.Content...)
	return &node, nil
}

func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	var tag strategyTag
	if err := value.Decode(&tag); err != nil {
		return err
	}
	return s.decode(tag.Type, value.Decode)
}
