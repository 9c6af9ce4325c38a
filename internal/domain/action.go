// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strconv"
	"strings"
)

type ActionKind string

const (
	KindClick    ActionKind = "click"
	KindType     ActionKind = "type"
	KindNavigate ActionKind = "navigate"
	KindScroll   ActionKind = "scroll"
)

type ScrollDirection string

const (
	ScrollUp    ScrollDirection = "up"
	ScrollDown  ScrollDirection = "down"
	ScrollLeft  ScrollDirection = "left"
	ScrollRight ScrollDirection = "right"
)

// DefaultScrollAmount is used when a scroll value is missing or non-numeric.
const DefaultScrollAmount = 300

// ActionCommand is the wire form of an abstract page interaction.
// Coordinates are fractions of the current viewport.
type ActionCommand struct {
	Kind            ActionKind      `json:"type"`
	X               *float64        `json:"x,omitempty"`
	Y               *float64        `json:"y,omitempty"`
	Value           *string         `json:"value,omitempty"`
	ScrollDirection ScrollDirection `json:"scroll_direction,omitempty"`
}

// Point is a normalized viewport coordinate.
type Point struct {
	X float64
	Y float64
}

// Action is the closed set of interactions the dispatcher understands.
type Action interface {
	Kind() ActionKind
	sealedAction()
}

type ClickAction struct {
	At Point
}

type TypeAction struct {
	At   Point
	Text string
}

type NavigateAction struct {
	URL string
}

type ScrollAction struct {
	Direction ScrollDirection
	Pixels    int
}

// UnknownAction carries a kind the dispatcher does not implement; it is
// skipped, not failed.
type UnknownAction struct {
	Raw ActionKind
}

func (ClickAction) Kind() ActionKind    { return KindClick }
func (TypeAction) Kind() ActionKind     { return KindType }
func (NavigateAction) Kind() ActionKind { return KindNavigate }
func (ScrollAction) Kind() ActionKind   { return KindScroll }
func (u UnknownAction) Kind() ActionKind {
	return u.Raw
}

func (ClickAction) sealedAction()    {}
func (TypeAction) sealedAction()     {}
func (NavigateAction) sealedAction() {}
func (ScrollAction) sealedAction()   {}
func (UnknownAction) sealedAction()  {}

// Action decodes the wire command into its typed variant.
func (c ActionCommand) Action() Action {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	switch kind {
	case KindClick:
		return ClickAction{At: c.point()}
	case KindType:
		return TypeAction{At: c.point(), Text: c.value()}
	case KindNavigate:
		return NavigateAction{URL: strings.TrimSpace(c.value())}
	case KindScroll:
		return ScrollAction{Direction: c.direction(), Pixels: ScrollPixels(c.Value)}
	default:
		return UnknownAction{Raw: c.Kind}
	}
}

func (c ActionCommand) point() Point {
	p := Point{X: 0.5, Y: 0.5}
	if c.X != nil {
		p.X = clampUnit(*c.X)
	}
	if c.Y != nil {
		p.Y = clampUnit(*c.Y)
	}
	return p
}

func (c ActionCommand) value() string {
	if c.Value == nil {
		return ""
	}
	return *c.Value
}

func (c ActionCommand) direction() ScrollDirection {
	switch d := ScrollDirection(strings.ToLower(string(c.ScrollDirection))); d {
	case ScrollUp, ScrollDown, ScrollLeft, ScrollRight:
		return d
	default:
		return ScrollDown
	}
}

// ScrollPixels parses a scroll amount, falling back to DefaultScrollAmount.
func ScrollPixels(v *string) int {
	if v == nil {
		return DefaultScrollAmount
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(*v), 64)
	if err != nil || n <= 0 {
		return DefaultScrollAmount
	}
	return int(n)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
