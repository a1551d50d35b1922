package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

// Dummy is the deterministic test provider. With no scripted responses
// it returns a fixed reply; with a script it pops replies in order,
// repeating the last one once drained.
type Dummy struct {
	mu     sync.Mutex
	script []string
	calls  int64
}

// NewDummy returns a Dummy optionally scripted with canned replies.
func NewDummy(script ...string) *Dummy {
	return &Dummy{script: script}
}

func (d *Dummy) Name() string { return "dummy" }

// Calls reports how many chat invocations reached the provider, which
// lets tests observe cache hits.
func (d *Dummy) Calls() int64 { return atomic.LoadInt64(&d.calls) }

func (d *Dummy) Chat(_ context.Context, req Request) (Response, error) {
	atomic.AddInt64(&d.calls, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) > 0 {
		var content = d.script[0]
		if len(d.script) > 1 {
			d.script = d.script[1:]
		}
		return Response{Content: content, TokensPrompt: 10, TokensCompletion: 20}, nil
	}
	if req.JSONMode {
		return Response{
			Content:          `{"status": "ok", "provider": "dummy"}`,
			TokensPrompt:     10,
			TokensCompletion: 20,
		}, nil
	}
	return Response{
		Content:          "This is a dummy response from the test provider",
		TokensPrompt:     5,
		TokensCompletion: 10,
	}, nil
}
