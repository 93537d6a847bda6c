package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/avolpe/preceptor/internal/protocol"
)

// UpstreamLink is a dialed speech-transport connection the far side
// multiplexes many sessions over. Each payload names its session in the
// envelope; events produced here go back over the same link.
type UpstreamLink interface {
	Messages() <-chan []byte
	Send(ctx context.Context, v any) error
}

// RunUpstream routes payloads arriving over a shared upstream link into
// per-session pipelines, starting one lazily on the first payload for a
// known session. It returns when the link's message channel closes or the
// context is cancelled.
func (e *Engine) RunUpstream(ctx context.Context, link UpstreamLink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	pipes := make(map[string]chan []byte)
	ended := make(chan string, 16)

	defer func() {
		for _, inbound := range pipes {
			close(inbound)
		}
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sessionID := <-ended:
			if inbound, ok := pipes[sessionID]; ok {
				close(inbound)
				delete(pipes, sessionID)
			}
		case raw, ok := <-link.Messages():
			if !ok {
				return nil
			}
			var env protocol.Envelope
			if err := json.Unmarshal(raw, &env); err != nil || env.SessionID == "" {
				slog.Debug("upstream payload without session routing", "error", err)
				continue
			}
			inbound, ok := pipes[env.SessionID]
			if !ok {
				inbound = e.startPipe(ctx, env.SessionID, link, &wg, ended)
				if inbound == nil {
					continue
				}
				pipes[env.SessionID] = inbound
			}
			select {
			case inbound <- raw:
			default:
				slog.Warn("session pipeline backlogged, dropping payload",
					"session_id", env.SessionID)
			}
		}
	}
}

// startPipe spins up the pipeline and its writer for one session. Returns
// nil when the session is unknown, so garbage on a shared link cannot
// allocate anything.
func (e *Engine) startPipe(ctx context.Context, sessionID string, link UpstreamLink, wg *sync.WaitGroup, ended chan<- string) chan []byte {
	if _, err := e.registry.Get(sessionID); err != nil {
		slog.Debug("upstream payload for unknown session", "session_id", sessionID)
		return nil
	}

	inbound := make(chan []byte, 64)
	outbound := make(chan any, 64)
	pipeCtx, pipeCancel := context.WithCancel(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-pipeCtx.Done():
				return
			case ev := <-outbound:
				if err := link.Send(pipeCtx, ev); err != nil {
					slog.Debug("upstream send failed",
						"session_id", sessionID,
						"error", err)
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer pipeCancel()
		if err := e.RunConnection(pipeCtx, sessionID, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("session pipeline ended",
				"session_id", sessionID,
				"error", err)
		}
		select {
		case ended <- sessionID:
		default:
		}
	}()
	return inbound
}
