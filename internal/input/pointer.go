package input

import (
	"math"
	"sync"
)

// Rect is the on-screen area the remote video is displayed in, in local pixels.
type Rect struct {
	Left, Top, Width, Height float64
}

// Size is a remote resolution in pixels.
type Size struct {
	Width, Height int
}

// PointerCapture converts local pointer positions to remote coordinates by
// scaling with the ratio of native to displayed video size.
type PointerCapture struct {
	emit func(PointerEvent)

	mu      sync.Mutex
	display Rect
	native  Size
}

// NewPointerCapture creates a capture forwarding events to emit.
func NewPointerCapture(emit func(PointerEvent)) *PointerCapture {
	return &PointerCapture{emit: emit}
}

// SetGeometry updates the displayed rectangle and the remote resolution.
func (p *PointerCapture) SetGeometry(display Rect, native Size) {
	p.mu.Lock()
	p.display = display
	p.native = native
	p.mu.Unlock()
}

// Map converts a local position to remote pixels. ok is false until the
// geometry is known.
func (p *PointerCapture) Map(clientX, clientY float64) (x, y int, ok bool) {
	p.mu.Lock()
	d, n := p.display, p.native
	p.mu.Unlock()

	if d.Width <= 0 || d.Height <= 0 || n.Width <= 0 || n.Height <= 0 {
		return 0, 0, false
	}

	x = clamp(int(math.Round((clientX-d.Left)*float64(n.Width)/d.Width)), n.Width-1)
	y = clamp(int(math.Round((clientY-d.Top)*float64(n.Height)/d.Height)), n.Height-1)
	return x, y, true
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// Move forwards a MouseMove.
func (p *PointerCapture) Move(clientX, clientY float64) {
	if x, y, ok := p.Map(clientX, clientY); ok {
		p.emit(PointerEvent{Type: TypeMouseMove, X: x, Y: y})
	}
}

// Down forwards a MouseDown for the DOM-style button index.
func (p *PointerCapture) Down(clientX, clientY float64, button int) {
	p.button(TypeMouseDown, clientX, clientY, button)
}

// Up forwards a MouseUp for the DOM-style button index.
func (p *PointerCapture) Up(clientX, clientY float64, button int) {
	p.button(TypeMouseUp, clientX, clientY, button)
}

func (p *PointerCapture) button(t EventType, clientX, clientY float64, index int) {
	b, ok := ButtonFromIndex(index)
	if !ok {
		return
	}
	if x, y, ok := p.Map(clientX, clientY); ok {
		p.emit(PointerEvent{Type: t, X: x, Y: y, Button: b})
	}
}

// Scroll forwards a wheel event. Deltas and delta mode pass through unscaled.
func (p *PointerCapture) Scroll(clientX, clientY, deltaX, deltaY float64, deltaMode int) {
	x, y, _ := p.Map(clientX, clientY)
	p.emit(PointerEvent{
		Type:      TypeMouseScroll,
		X:         x,
		Y:         y,
		DeltaX:    deltaX,
		DeltaY:    deltaY,
		DeltaMode: deltaMode,
	})
}
