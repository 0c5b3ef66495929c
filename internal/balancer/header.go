package balancer

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"gatewind/internal/types"
)

// MatchType selects how a header value is compared
type MatchType string

const (
	MatchRegex MatchType = "Regex"
	MatchText  MatchType = "Text"
	MatchSplit MatchType = "Split"
)

// HeaderValueMapping is one header rule. Regex and Text use Value; Split
// splits the header on SplitBy and requires every SplitList token.
type HeaderValueMapping struct {
	Type      MatchType `json:"type" yaml:"type"`
	Value     string    `json:"value,omitempty" yaml:"value,omitempty"`
	SplitBy   string    `json:"split_by,omitempty" yaml:"split_by,omitempty"`
	SplitList []string  `json:"split_list,omitempty" yaml:"split_list,omitempty"`

	re *regexp.Regexp
}

func (m *HeaderValueMapping) compile() error {
	switch m.Type {
	case MatchRegex:
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return types.ValidationError{Field: "header_value_mapping_type.value", Message: err.Error()}
		}
		m.re = re
	case MatchText:
	case MatchSplit:
		if m.SplitBy == "" {
			return types.ValidationError{Field: "header_value_mapping_type.split_by", Message: "split_by is required"}
		}
	default:
		return types.ValidationError{Field: "header_value_mapping_type.type", Message: fmt.Sprintf("unknown match type %q", m.Type)}
	}
	return nil
}

func (m *HeaderValueMapping) matches(value string) bool {
	switch m.Type {
	case MatchRegex:
		return m.re != nil && m.re.MatchString(value)
	case MatchText:
		return value == m.Value
	case MatchSplit:
		tokens := make(map[string]struct{})
		for _, token := range strings.Split(value, m.SplitBy) {
			tokens[token] = struct{}{}
		}
		for _, want := range m.SplitList {
			if _, ok := tokens[want]; !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// HeaderRouteNestedItem binds a target to a header rule
type HeaderRouteNestedItem struct {
	BaseRoute              *BaseRoute         `json:"base_route" yaml:"base_route"`
	HeaderKey              string             `json:"header_key" yaml:"header_key"`
	HeaderValueMappingType HeaderValueMapping `json:"header_value_mapping_type" yaml:"header_value_mapping_type"`
}

func (item *HeaderRouteNestedItem) compile() error {
	if item.HeaderKey == "" {
		return types.ValidationError{Field: "header_key", Message: "header_key is required"}
	}
	return item.HeaderValueMappingType.compile()
}

func (item *HeaderRouteNestedItem) matches(headers http.Header) bool {
	values := headers.Values(item.HeaderKey)
	if len(values) == 0 {
		return false
	}
	return item.HeaderValueMappingType.matches(values[0])
}

// HeaderRoute picks the first alive target whose rule matches the request
type HeaderRoute struct {
	Routes []HeaderRouteNestedItem `json:"routes" yaml:"routes"`
}

func (h *HeaderRoute) getRoute(headers http.Header, logger types.Logger) (*BaseRoute, error) {
	var first *BaseRoute
	for i := range h.Routes {
		item := &h.Routes[i]
		if item.BaseRoute == nil || !item.BaseRoute.Alive() {
			continue
		}
		if first == nil {
			first = item.BaseRoute
		}
		if headers != nil && item.matches(headers) {
			return item.BaseRoute, nil
		}
	}
	if first == nil {
		return nil, types.ErrNoAliveTargets
	}

	logger.Warn("No header rule matched, falling back to the first alive target",
		"target", first.BaseRouteID,
		"endpoint", first.Endpoint,
	)
	return first, nil
}
