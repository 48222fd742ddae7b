// Package human sends keyboard input to a target the way a person would:
// key down/up pairs, text insertion and paced typing.
package human

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
)

var humanRand = rand.New(rand.NewSource(time.Now().UnixNano()))

func SetHumanRandSeed(seed int64) {
	humanRand = rand.New(rand.NewSource(seed))
}

// Config allows injecting a custom random source for testing
type Config struct {
	Rand *rand.Rand
}

func (c *Config) getRand() *rand.Rand {
	if c != nil && c.Rand != nil {
		return c.Rand
	}
	return humanRand
}

type Key struct {
	Key  string
	Code string
	VK   int64
	Text string
}

var (
	Enter     = Key{Key: "Enter", Code: "Enter", VK: 13, Text: "\r"}
	Tab       = Key{Key: "Tab", Code: "Tab", VK: 9}
	Escape    = Key{Key: "Escape", Code: "Escape", VK: 27}
	Backspace = Key{Key: "Backspace", Code: "Backspace", VK: 8}
)

var namedKeys = map[string]Key{
	"enter":     Enter,
	"return":    Enter,
	"tab":       Tab,
	"escape":    Escape,
	"esc":       Escape,
	"backspace": Backspace,
}

func LookupKey(name string) (Key, bool) {
	k, ok := namedKeys[name]
	return k, ok
}

// SettleDelay separates inserted text from the follow-up submit so the
// target's input handlers see them as distinct events.
const SettleDelay = 100 * time.Millisecond

// PressKey dispatches keyDown then keyUp.
func PressKey(ctx context.Context, exec cdp.Executor, k Key) error {
	c := cdp.WithExecutor(ctx, exec)
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(k.Key).
		WithCode(k.Code).
		WithWindowsVirtualKeyCode(k.VK).
		WithNativeVirtualKeyCode(k.VK)
	if k.Text != "" {
		down = down.WithText(k.Text)
	}
	if err := down.Do(c); err != nil {
		return fmt.Errorf("key down %s: %w", k.Key, err)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(k.Key).
		WithCode(k.Code).
		WithWindowsVirtualKeyCode(k.VK).
		WithNativeVirtualKeyCode(k.VK)
	if err := up.Do(c); err != nil {
		return fmt.Errorf("key up %s: %w", k.Key, err)
	}
	return nil
}

func InsertText(ctx context.Context, exec cdp.Executor, text string) error {
	if err := input.InsertText(text).Do(cdp.WithExecutor(ctx, exec)); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return nil
}

// InsertAndSubmit inserts text into the focused control, waits settle and
// presses Enter.
func InsertAndSubmit(ctx context.Context, exec cdp.Executor, text string, settle time.Duration) error {
	if err := InsertText(ctx, exec, text); err != nil {
		return err
	}
	return Submit(ctx, exec, settle)
}

// Submit waits settle and presses Enter.
func Submit(ctx context.Context, exec cdp.Executor, settle time.Duration) error {
	if err := sleep(ctx, settle); err != nil {
		return err
	}
	return PressKey(ctx, exec, Enter)
}

// Type inserts text one rune at a time with human-looking pauses.
func Type(ctx context.Context, exec cdp.Executor, text string, fast bool, cfg *Config) error {
	rng := cfg.getRand()
	baseDelay := 80
	if fast {
		baseDelay = 40
	}

	chars := []rune(text)
	for i, char := range chars {
		if err := InsertText(ctx, exec, string(char)); err != nil {
			return err
		}
		delay := baseDelay + rng.Intn(baseDelay/2)
		if rng.Float64() < 0.05 {
			delay += rng.Intn(500)
		}
		if i > 0 && chars[i-1] == char {
			delay = delay / 2
		}
		if err := sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
