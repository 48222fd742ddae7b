package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
	"github.com/pinchtab/autoaccept/internal/assets"
	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/pinchtab/autoaccept/internal/dispatch"
	"github.com/pinchtab/autoaccept/internal/dom"
)

// BindingName is the Runtime binding observers report mutations through.
const BindingName = "__autoacceptSignal"

const (
	objectGroup          = "autoaccept"
	activationMarkerLife = 1500 * time.Millisecond
)

// helperLookup finds window.__autoaccept from the node's own frame upward,
// so nodes inside same-origin frames reach the top-level helper.
const helperLookup = `var h=null,w=window;for(;;){try{if(w.__autoaccept){h=w.__autoaccept;break}}catch(e){break}if(w===w.parent)break;w=w.parent}if(!h)throw new Error("autoaccept helper missing");`

// Helper calls into the in-page helper installed by the Injector.
type Helper struct {
	exec cdp.Executor
}

func NewHelper(exec cdp.Executor) *Helper {
	return &Helper{exec: exec}
}

func (h *Helper) Executor() cdp.Executor { return h.exec }

func (h *Helper) eval(ctx context.Context, expr string, out any) error {
	raw, err := Evaluate(ctx, h.exec, expr, DefaultEval)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Snapshot reads every root of the target's current document.
func (h *Helper) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	return dom.Fetch(ctx, h.exec, time.Now())
}

// RefreshRoot re-reads one root. The bool reports that the change cannot
// be patched in and a full Snapshot is needed.
func (h *Helper) RefreshRoot(ctx context.Context, snap *dom.Snapshot, key cdp.BackendNodeID) (*dom.Snapshot, bool, error) {
	return snap.Refresh(ctx, h.exec, key)
}

func (h *Helper) Installed(ctx context.Context) (bool, error) {
	var ok bool
	expr := "(function(){var a=window.__autoaccept;return !!a&&a.version===" + strconv.Itoa(assets.HelperVersion) + "})()"
	if err := h.eval(ctx, expr, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (h *Helper) Install(ctx context.Context) (string, error) {
	var res string
	if err := h.eval(ctx, assets.AutoAcceptJS, &res); err != nil {
		return "", fmt.Errorf("install helper: %w", err)
	}
	return res, nil
}

// EnableSignals turns on runtime events and exposes the mutation binding.
func (h *Helper) EnableSignals(ctx context.Context) error {
	c := cdp.WithExecutor(ctx, h.exec)
	if err := runtime.Enable().Do(c); err != nil {
		return fmt.Errorf("runtime enable: %w", err)
	}
	if err := runtime.AddBinding(BindingName).Do(c); err != nil {
		return fmt.Errorf("add binding: %w", err)
	}
	return nil
}

func (h *Helper) Configure(ctx context.Context, payload []byte) error {
	return h.eval(ctx, "window.__autoaccept.configure("+string(payload)+")", nil)
}

func (h *Helper) Stop(ctx context.Context) error {
	return h.eval(ctx, "!!(window.__autoaccept&&window.__autoaccept.stop())", nil)
}

// Focused reports whether an editable control holds focus in the target.
func (h *Helper) Focused(ctx context.Context) (bool, error) {
	var v bool
	err := h.eval(ctx, "!!(window.__autoaccept&&window.__autoaccept.focused())", &v)
	return v, err
}

func (h *Helper) callOn(ctx context.Context, id cdp.BackendNodeID, fn string, args []any, out any) error {
	obj, err := cdpdom.ResolveNode().WithBackendNodeID(id).WithObjectGroup(objectGroup).Do(cdp.WithExecutor(ctx, h.exec))
	if err != nil {
		return fmt.Errorf("resolve node %d: %w", id, err)
	}
	callArgs := make([]map[string]any, len(args))
	for i, a := range args {
		callArgs[i] = map[string]any{"value": a}
	}
	params := map[string]any{
		"objectId":            obj.ObjectID,
		"functionDeclaration": fn,
		"arguments":           callArgs,
		"returnByValue":       true,
		"userGesture":         true,
	}
	var res runtime.CallFunctionOnReturns
	if err := h.exec.Execute(ctx, runtime.CommandCallFunctionOn, params, &res); err != nil {
		return fmt.Errorf("call on node %d: %w", id, err)
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("call on node %d: %s", id, exceptionText(res.ExceptionDetails))
	}
	if out != nil && res.Result != nil && len(res.Result.Value) > 0 {
		return json.Unmarshal([]byte(res.Result.Value), out)
	}
	return nil
}

// Observe makes sure every root in keys has its observer and drops
// observers for roots no longer in the set. A root that cannot be observed
// is reported but does not stop the others.
func (h *Helper) Observe(ctx context.Context, keys []cdp.BackendNodeID) error {
	var errs []error
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strconv.FormatInt(int64(k), 10))
		fn := "function(k){" + helperLookup + "return h.observe(this,k)}"
		if err := h.callOn(ctx, k, fn, []any{int64(k)}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.eval(ctx, "window.__autoaccept.prune(["+strings.Join(ids, ",")+"])", nil); err != nil {
		errs = append(errs, fmt.Errorf("prune observers: %w", err))
	}
	return errors.Join(errs...)
}

func (h *Helper) Metrics(ctx context.Context, id cdp.BackendNodeID) (classify.Metrics, error) {
	var m classify.Metrics
	fn := "function(){" + helperLookup + "return h.metrics(this)}"
	err := h.callOn(ctx, id, fn, nil, &m)
	return m, err
}

// Value reads the live value of an input or textarea.
func (h *Helper) Value(ctx context.Context, id cdp.BackendNodeID) (string, error) {
	var v string
	fn := "function(){" + helperLookup + "return h.value(this)}"
	err := h.callOn(ctx, id, fn, nil, &v)
	return v, err
}

// Activate stamps the activation marker and fires the native click plus
// the synthetic press/release/click sequence. The page re-checks focus
// and configuration first and may refuse.
func (h *Helper) Activate(ctx context.Context, id cdp.BackendNodeID, at time.Time) error {
	var res string
	fn := "function(ts,clear){" + helperLookup + "return h.activate(this,ts,clear)}"
	if err := h.callOn(ctx, id, fn, []any{at.UnixMilli(), activationMarkerLife.Milliseconds()}, &res); err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "typing":
		return dispatch.ErrTyping
	case "unconfigured":
		return dispatch.ErrUnconfigured
	}
	return fmt.Errorf("activation of node %d refused: %q", id, res)
}

// Status renders the per-tab summary overlay. An empty summary removes it.
func (h *Helper) Status(ctx context.Context, summary any) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return h.eval(ctx, "window.__autoaccept.status("+string(b)+")", nil)
}

// Release frees remote object handles created by node calls.
func (h *Helper) Release(ctx context.Context) error {
	return runtime.ReleaseObjectGroup(objectGroup).Do(cdp.WithExecutor(ctx, h.exec))
}

// ParseSignal extracts a mutation signal from a runtime event.
func ParseSignal(ev any) (dom.Signal, bool) {
	e, ok := ev.(*runtime.EventBindingCalled)
	if !ok || e.Name != BindingName {
		return dom.Signal{}, false
	}
	var s dom.Signal
	if err := json.Unmarshal([]byte(e.Payload), &s); err != nil {
		return dom.Signal{}, false
	}
	return s, true
}

// IsContextReset reports events after which the helper must be
// reinstalled (navigation or reload).
func IsContextReset(ev any) bool {
	_, ok := ev.(*runtime.EventExecutionContextsCleared)
	return ok
}
