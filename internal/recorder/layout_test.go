package recorder

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseLayout(t *testing.T) {
	cases := []struct {
		screen  bool
		cameras int
		want    Layout
	}{
		{true, 2, LayoutScreenShare},
		{true, 0, LayoutScreenShare},
		{false, 2, LayoutSideBySide},
		{false, 1, LayoutSingle},
		{false, 0, LayoutEmpty},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ChooseLayout(c.screen, c.cameras), "screen=%v cameras=%d", c.screen, c.cameras)
	}
}

func TestCanvasSize(t *testing.T) {
	min := image.Pt(1920, 1080)
	assert.Equal(t, image.Pt(2560, 1440), CanvasSize(min, image.Pt(2560, 1440), true, 2))
	assert.Equal(t, image.Pt(1920, 1080), CanvasSize(min, image.Pt(1280, 720), true, 1), "screen share never shrinks below the minimum")
	assert.Equal(t, image.Pt(3840, 1080), CanvasSize(min, image.Point{}, false, 2))
	assert.Equal(t, image.Pt(1920, 1080), CanvasSize(min, image.Point{}, false, 1))
	assert.Equal(t, image.Pt(2000, 1090), CanvasSize(min, image.Pt(2001, 1091), true, 0), "dimensions are even")
}

func TestThumbnailsAnchors(t *testing.T) {
	canvas := image.Rect(0, 0, 1920, 1080)
	remote, local := Thumbnails(canvas, image.Pt(320, 180), 20)
	assert.Equal(t, image.Rect(20, 880, 340, 1060), remote)
	assert.Equal(t, image.Rect(1580, 880, 1900, 1060), local)

	left, right := Halves(canvas)
	assert.Equal(t, image.Rect(0, 0, 960, 1080), left)
	assert.Equal(t, image.Rect(960, 0, 1920, 1080), right)
}

func TestRoundedMaskClipsCorners(t *testing.T) {
	m := roundedMask{r: image.Rect(0, 0, 100, 50), radius: 10}
	assert.Equal(t, color.Alpha{}, m.At(0, 0))
	assert.Equal(t, color.Alpha{}, m.At(99, 49))
	assert.Equal(t, color.Alpha{A: 0xff}, m.At(10, 10))
	assert.Equal(t, color.Alpha{A: 0xff}, m.At(50, 0), "edges between corners are kept")
	assert.Equal(t, color.Alpha{A: 0xff}, m.At(50, 25))
	assert.Equal(t, color.Alpha{}, m.At(100, 25), "outside bounds")
}
