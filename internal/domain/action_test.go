// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestActionCommandDecodesVariants(t *testing.T) {
	cases := []struct {
		name string
		cmd  ActionCommand
		want Action
	}{
		{
			name: "click",
			cmd:  ActionCommand{Kind: KindClick, X: ptr(0.25), Y: ptr(0.75)},
			want: ClickAction{At: Point{X: 0.25, Y: 0.75}},
		},
		{
			name: "click clamps out of range",
			cmd:  ActionCommand{Kind: KindClick, X: ptr(1.4), Y: ptr(-0.2)},
			want: ClickAction{At: Point{X: 1, Y: 0}},
		},
		{
			name: "click defaults to center",
			cmd:  ActionCommand{Kind: "CLICK"},
			want: ClickAction{At: Point{X: 0.5, Y: 0.5}},
		},
		{
			name: "type",
			cmd:  ActionCommand{Kind: KindType, X: ptr(0.1), Y: ptr(0.2), Value: ptr("hello")},
			want: TypeAction{At: Point{X: 0.1, Y: 0.2}, Text: "hello"},
		},
		{
			name: "navigate",
			cmd:  ActionCommand{Kind: KindNavigate, Value: ptr(" https://example.com/reports ")},
			want: NavigateAction{URL: "https://example.com/reports"},
		},
		{
			name: "scroll",
			cmd:  ActionCommand{Kind: KindScroll, Value: ptr("120"), ScrollDirection: ScrollUp},
			want: ScrollAction{Direction: ScrollUp, Pixels: 120},
		},
		{
			name: "scroll non numeric",
			cmd:  ActionCommand{Kind: KindScroll, Value: ptr("a lot"), ScrollDirection: ScrollLeft},
			want: ScrollAction{Direction: ScrollLeft, Pixels: DefaultScrollAmount},
		},
		{
			name: "scroll missing value and direction",
			cmd:  ActionCommand{Kind: KindScroll},
			want: ScrollAction{Direction: ScrollDown, Pixels: DefaultScrollAmount},
		},
		{
			name: "unknown",
			cmd:  ActionCommand{Kind: "drag"},
			want: UnknownAction{Raw: "drag"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.cmd.Action()
			if got != tc.want {
				t.Fatalf("expected %#v got %#v", tc.want, got)
			}
		})
	}
}

func TestActionCommandWireFormat(t *testing.T) {
	var cmd ActionCommand
	if err := json.Unmarshal([]byte(`{"type":"scroll","value":"450","scroll_direction":"right"}`), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := cmd.Action().(ScrollAction)
	if !ok {
		t.Fatalf("expected ScrollAction got %T", cmd.Action())
	}
	if got.Pixels != 450 || got.Direction != ScrollRight {
		t.Fatalf("expected 450px right got %dpx %s", got.Pixels, got.Direction)
	}
}

func TestUnknownActionKeepsRawKind(t *testing.T) {
	a := ActionCommand{Kind: "drag"}.Action()
	if a.Kind() != "drag" {
		t.Fatalf("expected kind drag got %s", a.Kind())
	}
}
