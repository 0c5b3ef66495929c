package balancer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// liveness states stored in BaseRoute.alive
const (
	aliveUnknown int32 = iota
	aliveUp
	aliveDown
)

// AnomalyDetectionStatus tracks passive failure signals for one target
type AnomalyDetectionStatus struct {
	Consecutive5xx int32 `json:"consecutive_5xx" yaml:"consecutive_5xx"`
}

// BaseRoute is one upstream target. It is always shared by pointer so the
// health collaborators flip the same liveness flag the strategies read.
type BaseRoute struct {
	Endpoint    string
	TryFile     string
	BaseRouteID string

	alive          atomic.Int32
	consecutive5xx atomic.Int32
}

// NewBaseRoute creates a target with a generated id
func NewBaseRoute(endpoint string) *BaseRoute {
	return &BaseRoute{
		Endpoint:    endpoint,
		BaseRouteID: uuid.New().String(),
	}
}

// IsAlive returns the tri-state liveness flag; nil means no signal yet.
func (b *BaseRoute) IsAlive() *bool {
	var v bool
	switch b.alive.Load() {
	case aliveUp:
		v = true
	case aliveDown:
		v = false
	default:
		return nil
	}
	return &v
}

// Alive treats an unknown state as alive
func (b *BaseRoute) Alive() bool {
	return b.alive.Load() != aliveDown
}

// SetAlive records a health signal
func (b *BaseRoute) SetAlive(alive bool) {
	if alive {
		b.alive.Store(aliveUp)
		return
	}
	b.alive.Store(aliveDown)
}

// ResetAlive forgets any health signal
func (b *BaseRoute) ResetAlive() {
	b.alive.Store(aliveUnknown)
}

// Record5xx counts one more consecutive 5xx and returns the new count
func (b *BaseRoute) Record5xx() int32 {
	return b.consecutive5xx.Add(1)
}

// ResetAnomaly clears the consecutive 5xx counter
func (b *BaseRoute) ResetAnomaly() {
	b.consecutive5xx.Store(0)
}

// AnomalyStatus returns a copy of the passive failure counters
func (b *BaseRoute) AnomalyStatus() AnomalyDetectionStatus {
	return AnomalyDetectionStatus{Consecutive5xx: b.consecutive5xx.Load()}
}

// IsStatic reports whether the endpoint is a local directory served from
// disk instead of an upstream server
func (b *BaseRoute) IsStatic() bool {
	return strings.HasPrefix(b.Endpoint, "/") ||
		strings.HasPrefix(b.Endpoint, "./") ||
		strings.HasPrefix(b.Endpoint, "file://")
}

// StaticRoot returns the directory of a static endpoint
func (b *BaseRoute) StaticRoot() string {
	return strings.TrimPrefix(b.Endpoint, "file://")
}

// UpstreamURL parses the endpoint; a bare host:port means plain http
func (b *BaseRoute) UpstreamURL() (*url.URL, error) {
	raw := b.Endpoint
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", b.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", b.Endpoint)
	}
	return u, nil
}

func (b *BaseRoute) ensureID() {
	if b.BaseRouteID == "" {
		b.BaseRouteID = uuid.New().String()
	}
}

// baseRouteDocument is the serialized form. is_alive is written for
// reporting and ignored when read back.
type baseRouteDocument struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	TryFile     string `json:"try_file,omitempty" yaml:"try_file,omitempty"`
	BaseRouteID string `json:"base_route_id" yaml:"base_route_id"`
	IsAlive     *bool  `json:"is_alive,omitempty" yaml:"is_alive,omitempty"`
}

func (b *BaseRoute) document() baseRouteDocument {
	return baseRouteDocument{
		Endpoint:    b.Endpoint,
		TryFile:     b.TryFile,
		BaseRouteID: b.BaseRouteID,
		IsAlive:     b.IsAlive(),
	}
}

func (b *BaseRoute) load(doc baseRouteDocument) {
	b.Endpoint = doc.Endpoint
	b.TryFile = doc.TryFile
	b.BaseRouteID = doc.BaseRouteID
	b.ensureID()
}

func (b *BaseRoute) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.document())
}

func (b *BaseRoute) UnmarshalJSON(data []byte) error {
	var doc baseRouteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	b.load(doc)
	return nil
}

func (b *BaseRoute) MarshalYAML() (interface{}, error) {
	return b.document(), nil
}

func (b *BaseRoute) UnmarshalYAML(value *yaml.Node) error {
	var doc baseRouteDocument
	if err := value.Decode(&doc); err != nil {
		return err
	}
	b.load(doc)
	return nil
}

func aliveTargets(targets []*BaseRoute) []*BaseRoute {
	alive := make([]*BaseRoute, 0, len(targets))
	for _, t := range targets {
		if t != nil && t.Alive() {
			alive = append(alive, t)
		}
	}
	return alive
}
