package tools

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTool is a minimal Tool whose Execute can simulate unsafe work and
// records concurrent-overlap violations for a shared target.
type fakeTool struct {
	name       string
	safe       bool
	delay      time.Duration
	track      *overlapTracker // non-nil to track per-target overlap
	targetFrom func(args map[string]interface{}) string
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Description() string           { return "fake" }
func (f *fakeTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (f *fakeTool) IsConcurrencySafe() bool        { return f.safe }

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if f.track != nil {
		target := "__unknown__"
		if f.targetFrom != nil {
			target = f.targetFrom(args)
		}
		f.track.enter(target)
		defer f.track.leave(target)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return NewResult("ok:" + f.name)
}

// overlapTracker fails the test if two callers are ever concurrently
// "inside" the same target key.
type overlapTracker struct {
	t  *testing.T
	mu sync.Mutex
	in map[string]bool
}

func newOverlapTracker(t *testing.T) *overlapTracker {
	return &overlapTracker{t: t, in: make(map[string]bool)}
}

func (o *overlapTracker) enter(target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.in[target] {
		o.t.Errorf("concurrent unsafe execution detected for target %q", target)
	}
	o.in[target] = true
}

func (o *overlapTracker) leave(target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.in[target] = false
}

func TestExecuteAll_RejectsUnwhitelistedTool(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "read_file", safe: true})
	reg.SetWhitelist([]string{"read_file"})

	results := reg.ExecuteAll(context.Background(), []ToolUse{
		{ID: "1", Name: "exec", Args: nil},
	}, "cli", "chat", "direct", "sess", nil)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Result.IsError {
		t.Fatalf("expected an error result for an unwhitelisted tool")
	}
	want := "Error: Tool 'exec' is not allowed for this agent"
	if results[0].Result.ForLLM != want {
		t.Fatalf("ForLLM = %q, want %q", results[0].Result.ForLLM, want)
	}
}

func TestExecuteAll_PreservesInputOrder(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "a", safe: true})
	reg.Register(&fakeTool{name: "b", safe: true})
	reg.Register(&fakeTool{name: "c", safe: false})
	reg.SetWhitelist([]string{"a", "b", "c"})

	uses := []ToolUse{
		{ID: "1", Name: "c"},
		{ID: "2", Name: "a"},
		{ID: "3", Name: "b"},
	}
	results := reg.ExecuteAll(context.Background(), uses, "", "", "", "", nil)

	for i, want := range []string{"c", "a", "b"} {
		if results[i].Name != want {
			t.Fatalf("results[%d].Name = %q, want %q", i, results[i].Name, want)
		}
	}
}

func TestExecuteAll_SameTargetUnsafeCallsNeverOverlap(t *testing.T) {
	tracker := newOverlapTracker(t)
	reg := NewRegistry(nil)
	writeTool := &fakeTool{
		name:  "write",
		safe:  false,
		delay: 20 * time.Millisecond,
		track: tracker,
		targetFrom: func(args map[string]interface{}) string {
			return targetPath("write", args)
		},
	}
	reg.Register(writeTool)
	reg.SetWhitelist([]string{"write"})

	uses := []ToolUse{
		{ID: "1", Name: "write", Args: map[string]interface{}{"path": "/tmp/same.txt"}},
		{ID: "2", Name: "write", Args: map[string]interface{}{"path": "/tmp/same.txt"}},
		{ID: "3", Name: "write", Args: map[string]interface{}{"path": "/tmp/same.txt"}},
	}
	reg.ExecuteAll(context.Background(), uses, "", "", "", "", nil)
}

func TestExecuteAll_DistinctTargetsRunConcurrently(t *testing.T) {
	reg := NewRegistry(nil)
	var inFlight int32
	var maxInFlight int32

	track := func(name string) *fakeTool {
		return &fakeTool{
			name: name,
			safe: false,
			targetFrom: func(args map[string]interface{}) string {
				return targetPath("write", args)
			},
		}
	}

	// Wrap Execute via a closure-backed tool so both "write" calls to
	// different targets can be observed running at the same time.
	w := track("write")
	w.delay = 30 * time.Millisecond
	reg.Register(&concurrencyProbeTool{fakeTool: w, inFlight: &inFlight, maxInFlight: &maxInFlight})
	reg.SetWhitelist([]string{"write"})

	uses := []ToolUse{
		{ID: "1", Name: "write", Args: map[string]interface{}{"path": "/tmp/a.txt"}},
		{ID: "2", Name: "write", Args: map[string]interface{}{"path": "/tmp/b.txt"}},
	}
	reg.ExecuteAll(context.Background(), uses, "", "", "", "", nil)

	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Fatalf("expected distinct-target unsafe groups to run concurrently, max in-flight was %d", maxInFlight)
	}
}

// concurrencyProbeTool records how many Execute calls are in flight at once,
// independent of the per-target overlap tracker.
type concurrencyProbeTool struct {
	*fakeTool
	inFlight    *int32
	maxInFlight *int32
}

func (c *concurrencyProbeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	n := atomic.AddInt32(c.inFlight, 1)
	for {
		cur := atomic.LoadInt32(c.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(c.maxInFlight, cur, n) {
			break
		}
	}
	defer atomic.AddInt32(c.inFlight, -1)
	return c.fakeTool.Execute(ctx, args)
}

func TestTargetPath(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]interface{}
		want string
	}{
		{"write with path", "write", map[string]interface{}{"path": "/a"}, "/a"},
		{"edit with file_path", "edit", map[string]interface{}{"file_path": "/b"}, "/b"},
		{"write missing path", "write", map[string]interface{}{}, "__unknown__"},
		{"unrelated tool", "exec", map[string]interface{}{"path": "/a"}, "__unknown__"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := targetPath(tt.tool, tt.args); got != tt.want {
				t.Errorf("targetPath(%q, %v) = %q, want %q", tt.tool, tt.args, got, tt.want)
			}
		})
	}
}

func TestRegistry_WhitelistAllowDisallow(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "read_file", safe: true})
	reg.Register(&fakeTool{name: "exec", safe: false})

	if !reg.isAllowed("read_file") || !reg.isAllowed("exec") {
		t.Fatalf("unrestricted registry should allow every registered tool")
	}

	reg.SetWhitelist([]string{"read_file"})
	if !reg.isAllowed("read_file") || reg.isAllowed("exec") {
		t.Fatalf("whitelist should restrict to exactly the given names")
	}

	reg.Allow("exec")
	if !reg.isAllowed("exec") {
		t.Fatalf("Allow should add to an existing whitelist")
	}

	reg.Disallow("exec")
	if reg.isAllowed("exec") {
		t.Fatalf("Disallow should remove from the whitelist")
	}
}
