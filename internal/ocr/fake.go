package ocr

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient returns pre-scripted results keyed by screenshot
// filename. Used by pipeline and driver tests.
type ScriptedClient struct {
	mu       sync.Mutex
	handIDs  map[string]scripted[HandIDResult]
	players  map[string]scripted[PlayersResult]
	calls    map[string]int
	OnCallA  func(filename string) // optional hook, fired before returning
	BlockA   chan struct{}         // when non-nil, operation A waits here or on ctx
}

type scripted[T any] struct {
	results []T
	errs    []error
}

// NewScriptedClient creates an empty script. Unscripted screenshots fail
// permanently, which keeps tests honest about what they exercise.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		handIDs: make(map[string]scripted[HandIDResult]),
		players: make(map[string]scripted[PlayersResult]),
		calls:   make(map[string]int),
	}
}

// ScriptHandID sets the operation-A outcome for filename. Successive calls
// append outcomes consumed one per attempt; the last outcome repeats.
func (c *ScriptedClient) ScriptHandID(filename string, res HandIDResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.handIDs[filename]
	s.results = append(s.results, res)
	s.errs = append(s.errs, err)
	c.handIDs[filename] = s
}

// ScriptPlayers sets the operation-B outcome for filename.
func (c *ScriptedClient) ScriptPlayers(filename string, res PlayersResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.players[filename]
	s.results = append(s.results, res)
	s.errs = append(s.errs, err)
	c.players[filename] = s
}

// Calls returns how many times an operation was invoked for filename.
func (c *ScriptedClient) Calls(op, filename string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op+":"+filename]
}

func (c *ScriptedClient) ExtractHandID(ctx context.Context, img Image) (HandIDResult, error) {
	if hook := c.OnCallA; hook != nil {
		hook(img.Filename)
	}
	if c.BlockA != nil {
		select {
		case <-c.BlockA:
		case <-ctx.Done():
			return HandIDResult{}, Transient(ctx.Err())
		}
	}
	return take(c, c.handIDs, "a", img.Filename)
}

func (c *ScriptedClient) ExtractPlayers(ctx context.Context, img Image) (PlayersResult, error) {
	if err := ctx.Err(); err != nil {
		return PlayersResult{}, Transient(err)
	}
	return take(c, c.players, "b", img.Filename)
}

func take[T any](c *ScriptedClient, m map[string]scripted[T], op, filename string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := op + ":" + filename
	n := c.calls[key]
	c.calls[key] = n + 1

	s, ok := m[filename]
	if !ok || len(s.results) == 0 {
		var zero T
		return zero, Permanent(fmt.Errorf("no scripted result for %s %s", op, filename))
	}
	if n >= len(s.results) {
		n = len(s.results) - 1
	}
	return s.results[n], s.errs[n]
}
