// Package search looks up personas on the two backends and maps their native
// representations into models.Persona.
package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/persona-gateway/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidPersona marks a raw summary missing required fields. Such entries
// are skipped, never failing the whole batch.
var ErrInvalidPersona = errors.New("search: invalid persona")

type Query struct {
	Text        string
	Tags        string
	ExcludeTags string
	Page        int
	PageSize    int
	Sort        string
	AllowNSFW   bool
}

type Result struct {
	Source   models.Kind
	Query    string // normalized query echo
	Personas []models.Persona
	Skipped  int
}

type Provider interface {
	Kind() models.Kind
	Search(ctx context.Context, q Query) (*Result, error)
}

type Service struct {
	providers []Provider
	logger    *zap.Logger
}

func NewService(logger *zap.Logger, providers ...Provider) *Service {
	return &Service{providers: providers, logger: logger.With(zap.String("component", "search"))}
}

// Search queries the provider of the given backend kind.
func (s *Service) Search(ctx context.Context, kind models.Kind, q Query) (*Result, error) {
	for _, p := range s.providers {
		if p.Kind() == kind {
			return s.search(ctx, p, q)
		}
	}
	return nil, fmt.Errorf("no search provider for %q", kind)
}

// SearchAll queries every provider concurrently. Results keep provider order.
func (s *Service) SearchAll(ctx context.Context, q Query) ([]*Result, error) {
	results := make([]*Result, len(s.providers))

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range s.providers {
		g.Go(func() error {
			res, err := s.search(ctx, p, q)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) search(ctx context.Context, p Provider, q Query) (*Result, error) {
	res, err := p.Search(ctx, q)
	if err != nil {
		s.logger.Error("Search failed",
			zap.Error(err),
			zap.String("source", string(p.Kind())),
			zap.String("query", q.Text))
		return nil, fmt.Errorf("%s search failed: %w", p.Kind(), err)
	}

	if res.Skipped > 0 {
		s.logger.Warn("Skipped invalid personas",
			zap.String("source", string(p.Kind())),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}
