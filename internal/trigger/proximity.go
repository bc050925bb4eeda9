// Package trigger holds the built-in story sources: proximity to points of
// interest, and a cron schedule for routine content during a trip.
//
// Triggers only decide that a story opportunity exists. They hand it to the
// scheduler through Enqueuer and never look at what happens next.
package trigger

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/snehjoshi/storyq/internal/types"
)

// Enqueuer is the slice of the scheduler a trigger needs.
type Enqueuer interface {
	QueueStory(userID string, p types.Priority, t types.TriggerType,
		ctx map[string]any, opts types.QueueOptions) (string, bool)
}

// POI is a point of interest. Point is [lon, lat] as orb orders it.
type POI struct {
	ID      string
	Name    string
	Point   orb.Point
	Context map[string]any
}

// NewPOI builds a POI from latitude and longitude.
func NewPOI(id, name string, lat, lon float64, ctx map[string]any) POI {
	return POI{ID: id, Name: name, Point: orb.Point{lon, lat}, Context: ctx}
}

// LoadPOIs reads point features from a GeoJSON FeatureCollection. Each
// feature needs an "id" property (or a feature id); "name" is optional and
// every other property ends up in the story context.
func LoadPOIs(path string) ([]POI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trigger: read pois: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("trigger: parse %s: %w", path, err)
	}

	pois := make([]POI, 0, len(fc.Features))
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("trigger: feature %d in %s is a %s, want Point", i, path, f.Geometry.GeoJSONType())
		}
		id := f.Properties.MustString("id", "")
		if id == "" {
			if fid, ok := f.ID.(string); ok {
				id = fid
			}
		}
		if id == "" {
			return nil, fmt.Errorf("trigger: feature %d in %s has no id", i, path)
		}
		ctx := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			if k != "id" && k != "name" {
				ctx[k] = v
			}
		}
		pois = append(pois, POI{ID: id, Name: f.Properties.MustString("name", id), Point: pt, Context: ctx})
	}
	return pois, nil
}

// ProximityConfig parameterises a Proximity trigger.
type ProximityConfig struct {
	POIs         []POI
	RadiusMeters float64
	// Cooldown suppresses the same POI for the same user.
	Cooldown time.Duration
	// Window sets LatestTime = now + Window on every story.
	Window time.Duration
}

// Hit is one POI in range of a position.
type Hit struct {
	POI      POI
	Distance float64 // meters
}

// Fired describes a story the trigger attempted to queue.
type Fired struct {
	POIID    string  `json:"poi_id"`
	Distance float64 `json:"distance_m"`
	StoryID  string  `json:"story_id,omitempty"`
	Accepted bool    `json:"accepted"`
}

// Proximity queues a High story when a user comes within range of a POI.
type Proximity struct {
	cfg ProximityConfig
	q   Enqueuer
	now func() time.Time
	log *slog.Logger

	mu    sync.Mutex
	fired map[string]time.Time // user "\x00" poi → last fire
}

// Option configures a trigger.
type Option func(*options)

type options struct {
	now func() time.Time
	log *slog.Logger
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewProximity creates a proximity trigger feeding q.
func NewProximity(cfg ProximityConfig, q Enqueuer, opts ...Option) *Proximity {
	o := buildOptions(opts)
	return &Proximity{
		cfg:   cfg,
		q:     q,
		now:   o.now,
		log:   o.log.With("component", "trigger.proximity"),
		fired: make(map[string]time.Time),
	}
}

// Nearby returns the POIs within the radius of (lat, lon), nearest first.
func (p *Proximity) Nearby(lat, lon float64) []Hit {
	here := orb.Point{lon, lat}
	var hits []Hit
	for _, poi := range p.cfg.POIs {
		d := geo.Distance(here, poi.Point)
		if d <= p.cfg.RadiusMeters {
			hits = append(hits, Hit{POI: poi, Distance: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits
}

// Check queues a story for every POI in range that has not fired for userID
// within the cooldown.
func (p *Proximity) Check(userID string, lat, lon float64) []Fired {
	now := p.now()
	var out []Fired

	for _, hit := range p.Nearby(lat, lon) {
		k := userID + "\x00" + hit.POI.ID

		p.mu.Lock()
		last, seen := p.fired[k]
		if seen && now.Sub(last) < p.cfg.Cooldown {
			p.mu.Unlock()
			continue
		}
		p.fired[k] = now
		p.mu.Unlock()

		ctx := maps.Clone(hit.POI.Context)
		if ctx == nil {
			ctx = make(map[string]any, 3)
		}
		ctx["poi_id"] = hit.POI.ID
		ctx["poi_name"] = hit.POI.Name
		ctx["distance_m"] = hit.Distance

		opts := types.QueueOptions{}
		if p.cfg.Window > 0 {
			opts.LatestTime = now.Add(p.cfg.Window)
		}
		id, ok := p.q.QueueStory(userID, types.PriorityHigh, types.TriggerProximity, ctx, opts)
		p.log.Debug("proximity fired", "user", userID, "poi", hit.POI.ID, "distance_m", int(hit.Distance), "accepted", ok)
		out = append(out, Fired{POIID: hit.POI.ID, Distance: hit.Distance, StoryID: id, Accepted: ok})
	}
	return out
}

// Forget clears the cooldowns of userID, typically when a trip ends.
func (p *Proximity) Forget(userID string) {
	prefix := userID + "\x00"
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.fired {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(p.fired, k)
		}
	}
}

// Expire drops cooldown entries that no longer suppress anything.
func (p *Proximity) Expire() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, at := range p.fired {
		if now.Sub(at) >= p.cfg.Cooldown {
			delete(p.fired, k)
			n++
		}
	}
	return n
}

// POIs returns the configured points of interest.
func (p *Proximity) POIs() []POI { return p.cfg.POIs }
