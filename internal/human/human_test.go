package human

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
)

type call struct {
	method string
	params map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	fail  string
}

func (r *recorder) Execute(_ context.Context, method string, params, _ any) error {
	var m map[string]any
	if params != nil {
		b, _ := json.Marshal(params)
		_ = json.Unmarshal(b, &m)
	}
	r.mu.Lock()
	r.calls = append(r.calls, call{method, m})
	r.mu.Unlock()
	if method == r.fail {
		return errors.New("boom")
	}
	return nil
}

func TestPressKeyDownUp(t *testing.T) {
	r := &recorder{}
	if err := PressKey(context.Background(), r, Enter); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(r.calls))
	}
	if r.calls[0].params["type"] != "keyDown" || r.calls[1].params["type"] != "keyUp" {
		t.Errorf("types = %v, %v", r.calls[0].params["type"], r.calls[1].params["type"])
	}
	if vk, _ := r.calls[0].params["windowsVirtualKeyCode"].(float64); vk != 13 {
		t.Errorf("windowsVirtualKeyCode = %v, want 13", r.calls[0].params["windowsVirtualKeyCode"])
	}
}

func TestInsertAndSubmitOrder(t *testing.T) {
	r := &recorder{}
	start := time.Now()
	if err := InsertAndSubmit(context.Background(), r, "continue", 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("settle delay not honoured")
	}
	want := []string{"Input.insertText", "Input.dispatchKeyEvent", "Input.dispatchKeyEvent"}
	if len(r.calls) != len(want) {
		t.Fatalf("calls = %v", r.calls)
	}
	for i, m := range want {
		if r.calls[i].method != m {
			t.Errorf("call %d = %s, want %s", i, r.calls[i].method, m)
		}
	}
	if r.calls[0].params["text"] != "continue" {
		t.Errorf("text = %v", r.calls[0].params["text"])
	}
}

func TestInsertAndSubmitStopsOnInsertError(t *testing.T) {
	r := &recorder{fail: "Input.insertText"}
	if err := InsertAndSubmit(context.Background(), r, "x", SettleDelay); err == nil {
		t.Fatal("expected error")
	}
	if len(r.calls) != 1 {
		t.Errorf("Enter sent after failed insert: %v", r.calls)
	}
}

func TestInsertAndSubmitCancelledDuringSettle(t *testing.T) {
	r := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := InsertAndSubmit(ctx, r, "x", time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestTypeInsertsEveryRune(t *testing.T) {
	r := &recorder{}
	cfg := &Config{Rand: rand.New(rand.NewSource(1))}
	if err := Type(context.Background(), r, "héllo", true, cfg); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 5 {
		t.Errorf("calls = %d, want 5", len(r.calls))
	}
}

func TestLookupKey(t *testing.T) {
	if k, ok := LookupKey("return"); !ok || k.VK != 13 {
		t.Errorf("return = %+v %v", k, ok)
	}
	if _, ok := LookupKey("hyper"); ok {
		t.Error("unknown key found")
	}
}
