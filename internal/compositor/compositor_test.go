package compositor

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSurface struct {
	resized   []frame.Size
	presented []*frame.Buffer
	syncs     []int
	err       error
}

func (s *fakeSurface) ResizeBuffers(size frame.Size) error {
	s.resized = append(s.resized, size)
	return nil
}

func (s *fakeSurface) Present(bb *frame.Buffer, syncInterval int) error {
	if s.err != nil {
		return s.err
	}
	s.presented = append(s.presented, bb)
	s.syncs = append(s.syncs, syncInterval)
	return nil
}

func size(w, h int) frame.Size { return frame.Size{Width: w, Height: h} }

func texture(t *testing.T, d gpu.Device, s frame.Size, red byte) gpu.Texture {
	t.Helper()
	buf, err := frame.NewBuffer(s)
	require.NoError(t, err)
	buf.Fill(0, 0, red, 0xFF)
	tex, err := gpu.Upload(d, buf)
	require.NoError(t, err)
	return tex
}

func redAt(buf *frame.Buffer, x, y int) byte {
	return buf.Pix[buf.PixOffset(x, y)+2]
}

func TestComputeLayoutOffsets(t *testing.T) {
	l := ComputeLayout([]frame.Size{size(400, 100), size(400, 300)}, config.Padding{})
	require.Len(t, l.Entries, 2)
	assert.Equal(t, 0, l.Entries[0].Offset)
	assert.Equal(t, 100, l.Entries[1].Offset)
	assert.Equal(t, size(400, 400), l.Size())
}

func TestComputeLayoutPadding(t *testing.T) {
	l := ComputeLayout([]frame.Size{size(300, 50), size(420, 70), size(10, 5)}, config.Padding{Width: 8, Height: 6})
	assert.Equal(t, 428, l.Width)
	assert.Equal(t, 131, l.Height)
	assert.Equal(t, []int{0, 50, 120}, []int{l.Entries[0].Offset, l.Entries[1].Offset, l.Entries[2].Offset})
}

func TestComputeLayoutEmpty(t *testing.T) {
	l := ComputeLayout(nil, config.Padding{})
	assert.Empty(t, l.Entries)
	assert.True(t, l.Size().Empty())
	assert.Equal(t, size(1, 1), l.TargetSize())
}

func TestLayoutWithAndEqual(t *testing.T) {
	l := ComputeLayout([]frame.Size{size(400, 100), size(400, 300)}, config.Padding{})
	grown := l.With(0, size(500, 150))
	assert.Equal(t, size(500, 450), grown.Size())
	assert.Equal(t, 150, grown.Entries[1].Offset)
	assert.False(t, l.Equal(grown))
	assert.True(t, l.Equal(ComputeLayout(l.Sizes(), l.Padding)))
}

func TestComposeStacksRegions(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8UnormSRGB)
	surface := &fakeSurface{}
	layout := ComputeLayout([]frame.Size{size(400, 100), size(400, 300)}, config.Padding{})
	c, err := NewRenderContext(d, surface, layout)
	require.NoError(t, err)
	assert.Equal(t, size(400, 400), c.View().Size())

	stats, err := c.Compose([]Region{
		{Index: 0, Texture: texture(t, d, size(400, 100), 0x11)},
		{Index: 1, Texture: texture(t, d, size(400, 300), 0x22)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Copied)
	assert.Zero(t, stats.Clipped)
	assert.False(t, stats.Relayout)

	require.NoError(t, c.Present(1))
	require.Len(t, surface.presented, 1)
	bb := surface.presented[0]
	assert.Equal(t, size(400, 400), bb.Size)
	assert.Equal(t, byte(0x11), redAt(bb, 0, 0))
	assert.Equal(t, byte(0x11), redAt(bb, 399, 99))
	assert.Equal(t, byte(0x22), redAt(bb, 0, 100))
	assert.Equal(t, byte(0x22), redAt(bb, 399, 399))
	assert.Equal(t, []int{1}, surface.syncs)
	assert.Equal(t, uint64(1), c.Presented())
}

func TestComposeClipsIntoShortBuffer(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	layout := ComputeLayout([]frame.Size{size(400, 100), size(400, 300)}, config.Padding{})
	layout.Height = 250

	c, err := NewRenderContext(d, &fakeSurface{}, layout)
	require.NoError(t, err)

	stats, err := c.Compose([]Region{
		{Index: 0, Texture: texture(t, d, size(400, 100), 0x11)},
		{Index: 1, Texture: texture(t, d, size(400, 300), 0x22)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Copied)
	assert.Equal(t, 1, stats.Clipped)

	bb, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, size(400, 250), bb.Size)
	assert.Equal(t, byte(0x22), redAt(bb, 0, 249))
}

func TestComposeKeepsSkippedRegion(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	layout := ComputeLayout([]frame.Size{size(2, 2), size(2, 2)}, config.Padding{})
	c, err := NewRenderContext(d, &fakeSurface{}, layout)
	require.NoError(t, err)

	_, err = c.Compose([]Region{
		{Index: 0, Texture: texture(t, d, size(2, 2), 0x11)},
		{Index: 1, Texture: texture(t, d, size(2, 2), 0x22)},
	})
	require.NoError(t, err)

	_, err = c.Compose([]Region{{Index: 1, Texture: texture(t, d, size(2, 2), 0x33)}})
	require.NoError(t, err)

	bb, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), redAt(bb, 0, 0))
	assert.Equal(t, byte(0x33), redAt(bb, 0, 2))
}

func TestResizeInvalidatesView(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	surface := &fakeSurface{}
	layout := ComputeLayout([]frame.Size{size(400, 100), size(400, 300)}, config.Padding{Width: 2, Height: 4})
	c, err := NewRenderContext(d, surface, layout)
	require.NoError(t, err)

	old := c.View()
	require.True(t, old.Valid())

	grown := layout.With(1, size(640, 360))
	require.NoError(t, c.Resize(grown))

	assert.False(t, old.Valid())
	now := c.View()
	assert.True(t, now.Valid())
	assert.Equal(t, old.Generation()+1, now.Generation())
	assert.Equal(t, size(642, 464), now.Size())
	assert.Equal(t, []frame.Size{size(642, 464)}, surface.resized)
	assert.Equal(t, int64(642*464*4), d.LiveBytes())
}

func TestComposeMismatchTriggersRelayout(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	surface := &fakeSurface{}
	layout := ComputeLayout([]frame.Size{size(400, 100), size(400, 300)}, config.Padding{})
	c, err := NewRenderContext(d, surface, layout)
	require.NoError(t, err)
	old := c.View()

	stats, err := c.Compose([]Region{
		{Index: 0, Texture: texture(t, d, size(500, 120), 0x11)},
		{Index: 1, Texture: texture(t, d, size(400, 300), 0x22)},
	})
	require.NoError(t, err)
	assert.True(t, stats.Relayout)
	assert.Equal(t, 2, stats.Copied)
	assert.Zero(t, stats.Clipped)
	assert.False(t, old.Valid())

	l := c.Layout()
	assert.Equal(t, size(500, 420), l.Size())
	assert.Equal(t, 120, l.Entries[1].Offset)
	assert.Equal(t, []frame.Size{size(500, 420)}, surface.resized)

	bb, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, byte(0x22), redAt(bb, 0, 120))
	assert.Equal(t, byte(0x11), redAt(bb, 499, 119))
}

func TestComposeRegionOutOfRange(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	c, err := NewRenderContext(d, &fakeSurface{}, ComputeLayout([]frame.Size{size(2, 2)}, config.Padding{}))
	require.NoError(t, err)
	_, err = c.Compose([]Region{{Index: 3, Texture: texture(t, d, size(2, 2), 0)}})
	assert.ErrorIs(t, err, ErrRegionIndex)
}

func TestPresentError(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	boom := errors.New("occluded")
	c, err := NewRenderContext(d, &fakeSurface{err: boom}, ComputeLayout([]frame.Size{size(2, 2)}, config.Padding{}))
	require.NoError(t, err)

	err = c.Present(1)
	assert.ErrorIs(t, err, ErrPresent)
	assert.ErrorIs(t, err, boom)
}

func TestSetDeviceRebuildsTarget(t *testing.T) {
	first := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	c, err := NewRenderContext(first, &fakeSurface{}, ComputeLayout([]frame.Size{size(4, 4)}, config.Padding{}))
	require.NoError(t, err)
	old := c.View()
	require.NoError(t, first.Close())

	next := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	require.NoError(t, c.SetDevice(next))
	assert.False(t, old.Valid())
	assert.True(t, c.View().Valid())
	assert.Zero(t, first.LiveBytes())
	require.NoError(t, c.Present(1))
}

func TestCloseInvalidatesView(t *testing.T) {
	d := gpu.NewSoftwareDevice(gpu.FormatBGRA8Unorm)
	c, err := NewRenderContext(d, &fakeSurface{}, ComputeLayout([]frame.Size{size(4, 4)}, config.Padding{}))
	require.NoError(t, err)
	v := c.View()
	c.Close()
	assert.False(t, v.Valid())
	assert.Zero(t, d.LiveBytes())
	assert.ErrorIs(t, c.Present(1), ErrInvalidView)
}
