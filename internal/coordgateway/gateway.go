// Package coordgateway adapts an oasis.Provider pair (a full-strength
// model for CallGateway, a cheap/fast model for CallHaiku) into
// coord.GatewayClient. Grounded on retry.go's WithRetry wrapper and
// agent.go's message construction.
package coordgateway

import (
	"context"
	"errors"
	"log"
	"time"

	oasis "github.com/nevindra/oasis"
	"github.com/nevindra/oasis/coord"
)

// Adapter implements coord.GatewayClient over two oasis.Provider
// instances: main for full negotiation-aware calls, haiku for the
// stateless micro-proposal generator (spec §9: avoids context bleed
// between rounds).
type Adapter struct {
	main  oasis.Provider
	haiku oasis.Provider
}

// New wraps providers already configured with retry (oasis.WithRetry),
// matching cmd/oasis/main.go's wiring style.
func New(main, haiku oasis.Provider) *Adapter {
	return &Adapter{main: main, haiku: haiku}
}

var _ coord.GatewayClient = (*Adapter)(nil)

// CallGateway runs prompt against the main model with a bounded timeout.
// Transient failures, including expiry of timeout itself, surface as
// (nil, nil) per spec §7, never an error — only cancellation or deadline
// of the caller's own ctx propagates.
func (a *Adapter) CallGateway(ctx context.Context, prompt string, timeout time.Duration, opts coord.GatewayCallOptions) (*string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := oasis.ChatRequest{Messages: []oasis.ChatMessage{oasis.UserMessage(prompt)}}
	resp, err := a.main.Chat(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf(" [coordgateway] main call failed, failing open: %v", err)
		return nil, nil
	}
	return &resp.Content, nil
}

// CallHaiku runs prompt against the fast model for a single, stateless
// call. Failures degrade to nil rather than propagating, matching
// CallGateway's contract.
func (a *Adapter) CallHaiku(ctx context.Context, prompt string) (*string, error) {
	req := oasis.ChatRequest{Messages: []oasis.ChatMessage{oasis.UserMessage(prompt)}}
	resp, err := a.haiku.Chat(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Printf(" [coordgateway] haiku call failed, failing open: %v", err)
		return nil, nil
	}
	return &resp.Content, nil
}
