package recorder

import (
	"image"
	"image/color"
)

// Layout is the arrangement drawn for one frame.
type Layout int

const (
	LayoutEmpty Layout = iota
	LayoutSingle
	LayoutSideBySide
	LayoutScreenShare
)

func (l Layout) String() string {
	switch l {
	case LayoutSingle:
		return "single"
	case LayoutSideBySide:
		return "side-by-side"
	case LayoutScreenShare:
		return "screen-share"
	default:
		return "empty"
	}
}

// ChooseLayout picks the layout from the ready sources.
func ChooseLayout(hasScreen bool, cameras int) Layout {
	switch {
	case hasScreen:
		return LayoutScreenShare
	case cameras >= 2:
		return LayoutSideBySide
	case cameras == 1:
		return LayoutSingle
	default:
		return LayoutEmpty
	}
}

// CanvasSize chooses the output resolution. A screen share sizes the canvas to at least its native
// resolution; two cameras double the minimum width.
func CanvasSize(minSize, screen image.Point, hasScreen bool, cameras int) image.Point {
	size := minSize
	switch {
	case hasScreen:
		size = image.Pt(max(minSize.X, screen.X), max(minSize.Y, screen.Y))
	case cameras >= 2:
		size = image.Pt(minSize.X*2, minSize.Y)
	}
	return image.Pt(size.X&^1, size.Y&^1)
}

// Thumbnails are the overlay rectangles of the screen-share layout, anchored bottom-left for the
// remote participant and bottom-right for the local one.
func Thumbnails(canvas image.Rectangle, thumb image.Point, margin int) (remote, local image.Rectangle) {
	y1 := canvas.Max.Y - margin
	y0 := y1 - thumb.Y
	remote = image.Rect(canvas.Min.X+margin, y0, canvas.Min.X+margin+thumb.X, y1)
	local = image.Rect(canvas.Max.X-margin-thumb.X, y0, canvas.Max.X-margin, y1)
	return remote, local
}

// Halves splits the canvas into left and right halves.
func Halves(canvas image.Rectangle) (left, right image.Rectangle) {
	mid := canvas.Min.X + canvas.Dx()/2
	return image.Rect(canvas.Min.X, canvas.Min.Y, mid, canvas.Max.Y), image.Rect(mid, canvas.Min.Y, canvas.Max.X, canvas.Max.Y)
}

// roundedMask is an alpha mask of a rounded rectangle.
type roundedMask struct {
	r      image.Rectangle
	radius int
}

func (m roundedMask) ColorModel() color.Model { return color.AlphaModel }
func (m roundedMask) Bounds() image.Rectangle { return m.r }

func (m roundedMask) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(m.r) {
		return color.Alpha{}
	}
	rad := m.radius
	cx, cy := -1, -1
	switch {
	case x < m.r.Min.X+rad:
		cx = m.r.Min.X + rad
	case x >= m.r.Max.X-rad:
		cx = m.r.Max.X - rad - 1
	}
	switch {
	case y < m.r.Min.Y+rad:
		cy = m.r.Min.Y + rad
	case y >= m.r.Max.Y-rad:
		cy = m.r.Max.Y - rad - 1
	}
	if cx < 0 || cy < 0 {
		return color.Alpha{A: 0xff}
	}
	dx, dy := x-cx, y-cy
	if dx*dx+dy*dy <= rad*rad {
		return color.Alpha{A: 0xff}
	}
	return color.Alpha{}
}
