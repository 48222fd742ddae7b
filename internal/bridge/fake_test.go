package bridge

import (
	"context"
	"strings"
	"sync"

	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
)

// fakeConn answers Runtime.evaluate from a table keyed by expression
// substring and records every call.
type fakeConn struct {
	mu        sync.Mutex
	calls     []string
	exprs     []string
	installed bool
	// callValue is the JSON value node calls return.
	callValue string
	done      chan struct{}
	once      sync.Once
	listeners []func(any)
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (f *fakeConn) Execute(_ context.Context, method string, params, res any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if method == cdpdom.CommandResolveNode {
		res.(*cdpdom.ResolveNodeReturns).Object = &runtime.RemoteObject{ObjectID: "obj"}
		return nil
	}
	if method == runtime.CommandCallFunctionOn {
		fn := params.(map[string]any)["functionDeclaration"].(string)
		f.exprs = append(f.exprs, fn)
		if f.callValue == "" || res == nil {
			return nil
		}
		return json.Unmarshal([]byte(`{"result":{"type":"string","value":`+f.callValue+`}}`), res)
	}
	if method != runtime.CommandEvaluate {
		return nil
	}
	p := params.(*runtime.EvaluateParams)
	f.exprs = append(f.exprs, p.Expression)

	result := `{"result":{"type":"boolean","value":true}}`
	switch {
	case strings.Contains(p.Expression, "a.version==="):
		if !f.installed {
			result = `{"result":{"type":"boolean","value":false}}`
		}
	case strings.Contains(p.Expression, "window.__autoaccept = {"):
		f.installed = true
		result = `{"result":{"type":"string","value":"installed"}}`
	}
	if res != nil {
		return json.Unmarshal([]byte(result), res)
	}
	return nil
}

func (f *fakeConn) Listen(fn func(any)) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.exprs {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

func (f *fakeConn) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}
