package rooms

import (
	"context"
	"errors"
	"sync"
)

// ErrBuildSkipped reports that a skip-if-in-flight build request found
// a build already running and declined to join it.
var ErrBuildSkipped = errors.New("packet build skipped: already in flight")

// Packet is the builder's product. TrimTo bounds the decision list so a
// joiner with a smaller limit never sees more than it asked for.
type Packet interface {
	TrimTo(decisionLimit int) Packet
}

// PacketBuilder composes one room's stream packet.
type PacketBuilder func(ctx context.Context, roomID string, decisionLimit int) (Packet, error)

// BuildStats counts gate outcomes for the stats endpoint.
type BuildStats struct {
	Built   int64 `json:"built"`
	Joined  int64 `json:"joined"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
}

// buildGate serializes packet builds for one room. At most one build
// runs; a joiner whose limit fits the running build awaits it and trims
// the result, a joiner with a larger limit awaits then reruns as the
// primary, and timer callers skip instead of joining.
type buildGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight bool
	activeL  int
	gen      int64
	result   Packet
	err      error
	stats    BuildStats
}

func newBuildGate() *buildGate {
	g := &buildGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// do runs or joins one build. skipIfInFlight callers never wait.
func (g *buildGate) do(ctx context.Context, roomID string, limit int, skipIfInFlight bool, build PacketBuilder) (Packet, error) {
	g.mu.Lock()
	if g.inFlight {
		if skipIfInFlight {
			g.stats.Skipped++
			g.mu.Unlock()
			return nil, ErrBuildSkipped
		}
		// Wake parked waiters when their request dies so a cancelled
		// subscriber never sits out the whole build.
		stop := context.AfterFunc(ctx, func() {
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		})
		defer stop()
	}
	for g.inFlight {
		startGen := g.gen
		join := limit <= g.activeL
		for g.inFlight && g.gen == startGen && ctx.Err() == nil {
			g.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			g.mu.Unlock()
			return nil, err
		}
		if join {
			res, err := g.result, g.err
			g.stats.Joined++
			g.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return res.TrimTo(limit), nil
		}
		// Larger limit: loop and contend to become the primary.
	}
	g.inFlight = true
	g.activeL = limit
	g.mu.Unlock()

	res, err := build(ctx, roomID, limit)

	g.mu.Lock()
	g.inFlight = false
	g.gen++
	g.result, g.err = res, err
	if err != nil {
		g.stats.Errors++
	} else {
		g.stats.Built++
	}
	g.cond.Broadcast()
	g.mu.Unlock()
	return res, err
}

func (g *buildGate) snapshot() BuildStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
