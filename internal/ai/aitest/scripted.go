// Package aitest provides scripted streaming clients for tests.
package aitest

import (
	"context"
	"errors"
	"sync"
	"time"

	"apex-codegen/internal/ai"
)

// Step is one scripted event, sent after Delay.
type Step struct {
	Event ai.StreamEvent
	Delay time.Duration
}

// Script is the full event sequence of one stream.
type Script []Step

// Handler decides the script for a request. Returning an error fails the
// Stream call itself (the channel is never opened).
type Handler func(req *ai.StreamRequest) (Script, error)

// ScriptedClient replays scripts. It is safe for concurrent use.
type ScriptedClient struct {
	Provider ai.AIProvider

	// IgnoreCancel keeps delivering events after the request context is
	// done, the way a buffered transport would.
	IgnoreCancel bool

	handler Handler

	mu       sync.Mutex
	requests []*ai.StreamRequest
	usage    ai.ProviderUsage
}

// New returns a client that answers every request through h.
func New(provider ai.AIProvider, h Handler) *ScriptedClient {
	return &ScriptedClient{Provider: provider, handler: h, usage: ai.ProviderUsage{Provider: provider}}
}

// Sequence returns a client that plays scripts in call order. Calls past
// the last script fail to open.
func Sequence(provider ai.AIProvider, scripts ...Script) *ScriptedClient {
	var mu sync.Mutex
	next := 0
	return New(provider, func(*ai.StreamRequest) (Script, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(scripts) {
			return nil, errors.New("aitest: no script left")
		}
		s := scripts[next]
		next++
		return s, nil
	})
}

// ByCapability returns a client that picks the script by request capability.
func ByCapability(provider ai.AIProvider, scripts map[ai.AICapability]Script) *ScriptedClient {
	return New(provider, func(req *ai.StreamRequest) (Script, error) {
		s, ok := scripts[req.Capability]
		if !ok {
			return nil, errors.New("aitest: no script for " + string(req.Capability))
		}
		return s, nil
	})
}

// Text builds connected, one delta per chunk, complete.
func Text(chunks ...string) Script {
	s := Script{{Event: ai.StreamEvent{Type: ai.EventConnected}}}
	for _, c := range chunks {
		s = append(s, Step{Event: ai.StreamEvent{Type: ai.EventContentDelta, Delta: c}})
	}
	return append(s, Step{Event: ai.StreamEvent{Type: ai.EventComplete, Usage: &ai.Usage{}}})
}

// Failing builds connected, the given deltas, then an error event.
func Failing(err error, chunks ...string) Script {
	s := Script{{Event: ai.StreamEvent{Type: ai.EventConnected}}}
	for _, c := range chunks {
		s = append(s, Step{Event: ai.StreamEvent{Type: ai.EventContentDelta, Delta: c}})
	}
	return append(s, Step{Event: ai.StreamEvent{Type: ai.EventError, Err: err}})
}

// Delta is a single delayed content_delta step.
func Delta(text string, delay time.Duration) Step {
	return Step{Event: ai.StreamEvent{Type: ai.EventContentDelta, Delta: text}, Delay: delay}
}

// Complete is a complete step.
func Complete(delay time.Duration) Step {
	return Step{Event: ai.StreamEvent{Type: ai.EventComplete, Usage: &ai.Usage{}}, Delay: delay}
}

// GetProvider implements ai.StreamingClient.
func (c *ScriptedClient) GetProvider() ai.AIProvider { return c.Provider }

// GetUsage implements ai.StreamingClient.
func (c *ScriptedClient) GetUsage() *ai.ProviderUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage
	return &u
}

// Requests returns every request seen so far.
func (c *ScriptedClient) Requests() []*ai.StreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ai.StreamRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// Stream implements ai.Streamer.
func (c *ScriptedClient) Stream(ctx context.Context, req *ai.StreamRequest) (<-chan ai.StreamEvent, error) {
	c.mu.Lock()
	cp := *req
	c.requests = append(c.requests, &cp)
	c.usage.RequestCount++
	c.mu.Unlock()

	script, err := c.handler(req)
	if err != nil {
		c.mu.Lock()
		c.usage.ErrorCount++
		c.mu.Unlock()
		return nil, err
	}

	out := make(chan ai.StreamEvent)
	go func() {
		defer close(out)
		for _, step := range script {
			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				if c.IgnoreCancel {
					<-timer.C
				} else {
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						return
					}
				}
			}
			ev := step.Event
			ev.Provider = c.Provider
			if c.IgnoreCancel {
				out <- ev
			} else {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if ev.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}
