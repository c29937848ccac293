// Package resolver maps free-text professional and service names from chat
// messages to provider catalog IDs via fuzzy matching.
package resolver

import (
	"context"

	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// Outcome classifies a resolution attempt.
type Outcome int

const (
	// NotFound means no catalog entry scored above the threshold, or the
	// catalog could not be fetched (Retryable is set in that case).
	NotFound Outcome = iota
	// Resolved means a single entry won with sufficient confidence.
	Resolved
	// Ambiguous means multiple entries tied within the epsilon gap.
	Ambiguous
)

// Resolution is the result of matching a name against the catalog.
type Resolution struct {
	Outcome    Outcome
	Match      *Entity
	Score      float64
	Candidates []Candidate
	// Retryable marks NotFound results caused by a catalog fetch failure
	// rather than an actual miss; the next turn may succeed.
	Retryable bool
}

// Catalog is the provider catalog source the resolver reads from.
type Catalog interface {
	Professionals(ctx context.Context) ([]scheduling.Professional, error)
	Services(ctx context.Context) ([]scheduling.Service, error)
}

// Resolver resolves professional and service names against the provider catalog.
type Resolver struct {
	catalog Catalog
	opts    MatchOptions
	logger  *logging.Logger
}

// New creates a resolver. Zero-valued options fall back to defaults.
func New(catalog Catalog, opts MatchOptions, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{catalog: catalog, opts: opts, logger: logger}
}

// ResolveProfessional matches a professional name to a catalog entry.
// Catalog fetch failures come back as retryable NotFound, never as an error
// the caller would surface to the user.
func (r *Resolver) ResolveProfessional(ctx context.Context, name string) Resolution {
	professionals, err := r.catalog.Professionals(ctx)
	if err != nil {
		r.logger.Warn("professional catalog unavailable", "error", err)
		return Resolution{Outcome: NotFound, Retryable: true}
	}

	entities := make([]Entity, 0, len(professionals))
	for _, p := range professionals {
		entities = append(entities, Entity{ID: p.ID, Name: p.Name})
	}
	return r.match("professional", name, entities)
}

// ResolveService matches a service name to a catalog entry. The matched
// entity carries the service duration for the availability calculator.
func (r *Resolver) ResolveService(ctx context.Context, name string) Resolution {
	services, err := r.catalog.Services(ctx)
	if err != nil {
		r.logger.Warn("service catalog unavailable", "error", err)
		return Resolution{Outcome: NotFound, Retryable: true}
	}

	entities := make([]Entity, 0, len(services))
	for _, s := range services {
		entities = append(entities, Entity{ID: s.ID, Name: s.Name, DurationMin: s.DurationMin})
	}
	return r.match("service", name, entities)
}

func (r *Resolver) match(kind, name string, entities []Entity) Resolution {
	res := Match(name, entities, r.opts)
	switch res.Outcome {
	case Resolved:
		r.logger.Info("name resolved",
			"kind", kind, "query", name, "id", res.Match.ID, "name", res.Match.Name, "score", res.Score)
	case Ambiguous:
		r.logger.Info("name ambiguous",
			"kind", kind, "query", name, "candidates", len(res.Candidates))
	default:
		r.logger.Info("name not found", "kind", kind, "query", name)
	}
	return res
}
