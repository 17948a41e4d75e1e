// Package content produces subject and body text for warmup exchanges.
// The Bedrock generator is primary; every path degrades to the
// deterministic template generator so content generation can never stop
// a send.
package content

import (
	"context"

	"github.com/ignite/warmup-engine/internal/pkg/logger"
)

// Request describes the exchange a draft is needed for.
type Request struct {
	SenderName   string
	ReceiverName string
	// Topic steers the conversation; empty picks a rotating default.
	Topic string
}

// Draft is generated message content.
type Draft struct {
	Subject string
	Body    string
}

// Generator is the content-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Draft, error)
	GenerateReply(ctx context.Context, req Request, original *Draft) (*Draft, error)
}

// FallbackGenerator tries the primary generator and falls back to a
// deterministic one on any error.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

// NewFallbackGenerator chains primary over fallback. primary may be nil,
// in which case only the fallback is used.
func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

// Generate returns the primary draft, or the fallback draft when the
// primary is unavailable.
func (g *FallbackGenerator) Generate(ctx context.Context, req Request) (*Draft, error) {
	if g.primary != nil {
		draft, err := g.primary.Generate(ctx, req)
		if err == nil {
			return draft, nil
		}
		logger.Warn("primary content generator failed, using fallback", "error", err.Error())
	}
	return g.fallback.Generate(ctx, req)
}

// GenerateReply mirrors Generate for the reply path.
func (g *FallbackGenerator) GenerateReply(ctx context.Context, req Request, original *Draft) (*Draft, error) {
	if g.primary != nil {
		draft, err := g.primary.GenerateReply(ctx, req, original)
		if err == nil {
			return draft, nil
		}
		logger.Warn("primary reply generator failed, using fallback", "error", err.Error())
	}
	return g.fallback.GenerateReply(ctx, req, original)
}
