package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyteams/booking-agent/internal/scheduling"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

type stubCatalog struct {
	professionals []scheduling.Professional
	services      []scheduling.Service
	err           error
}

func (s *stubCatalog) Professionals(ctx context.Context) ([]scheduling.Professional, error) {
	return s.professionals, s.err
}

func (s *stubCatalog) Services(ctx context.Context) ([]scheduling.Service, error) {
	return s.services, s.err
}

func TestResolveProfessional(t *testing.T) {
	catalog := &stubCatalog{professionals: []scheduling.Professional{
		{ID: "10", Name: "Ana Souza"},
		{ID: "11", Name: "Bruno Lima"},
	}}
	r := New(catalog, MatchOptions{}, logging.New("error"))

	res := r.ResolveProfessional(context.Background(), "dra. Ana Souza")
	if res.Outcome != Resolved {
		t.Fatalf("expected Resolved, got %+v", res)
	}
	if res.Match.ID != "10" {
		t.Errorf("expected id 10, got %s", res.Match.ID)
	}
}

func TestResolveServiceCarriesDuration(t *testing.T) {
	catalog := &stubCatalog{services: []scheduling.Service{
		{ID: "7", Name: "Limpeza de Pele", DurationMin: 45},
	}}
	r := New(catalog, MatchOptions{}, logging.New("error"))

	res := r.ResolveService(context.Background(), "limpeza de pele")
	if res.Outcome != Resolved {
		t.Fatalf("expected Resolved, got %+v", res)
	}
	if res.Match.DurationMin != 45 {
		t.Errorf("expected duration 45, got %d", res.Match.DurationMin)
	}
}

func TestResolveCatalogFailureIsRetryableNotFound(t *testing.T) {
	catalog := &stubCatalog{err: errors.New("provider down")}
	r := New(catalog, MatchOptions{}, logging.New("error"))

	res := r.ResolveProfessional(context.Background(), "Ana")
	if res.Outcome != NotFound {
		t.Fatalf("expected NotFound, got %v", res.Outcome)
	}
	if !res.Retryable {
		t.Error("catalog failure must be marked retryable")
	}

	res = r.ResolveService(context.Background(), "Limpeza")
	if res.Outcome != NotFound || !res.Retryable {
		t.Fatalf("expected retryable NotFound for services, got %+v", res)
	}
}

func TestResolveUnknownNameNotRetryable(t *testing.T) {
	catalog := &stubCatalog{professionals: []scheduling.Professional{
		{ID: "10", Name: "Ana Souza"},
	}}
	r := New(catalog, MatchOptions{}, logging.New("error"))

	res := r.ResolveProfessional(context.Background(), "Zuleika Prestes")
	if res.Outcome != NotFound {
		t.Fatalf("expected NotFound, got %+v", res)
	}
	if res.Retryable {
		t.Error("a real miss must not be retryable")
	}
}
