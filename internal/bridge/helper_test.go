package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pinchtab/autoaccept/internal/dispatch"
)

func TestHelperActivateRefusals(t *testing.T) {
	tests := []struct {
		value string
		want  error
	}{
		{`"ok"`, nil},
		{`"typing"`, dispatch.ErrTyping},
		{`"unconfigured"`, dispatch.ErrUnconfigured},
	}
	for _, tt := range tests {
		c := newFakeConn()
		c.callValue = tt.value
		err := NewHelper(c).Activate(context.Background(), 7, time.Now())
		if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
			t.Errorf("%s: err = %v, want %v", tt.value, err, tt.want)
		}
		if c.count("h.activate(this") != 1 {
			t.Errorf("%s: activate not called through the helper", tt.value)
		}
	}

	c := newFakeConn()
	c.callValue = `"later"`
	if err := NewHelper(c).Activate(context.Background(), 7, time.Now()); err == nil || !strings.Contains(err.Error(), "later") {
		t.Errorf("unknown refusal: err = %v", err)
	}
}

func TestHelperValue(t *testing.T) {
	c := newFakeConn()
	c.callValue = `"rm -rf /"`
	v, err := NewHelper(c).Value(context.Background(), 9)
	if err != nil || v != "rm -rf /" {
		t.Fatalf("Value = %q, %v", v, err)
	}
	if c.count("h.value(this)") != 1 {
		t.Error("value not read through the helper")
	}
}
