package present

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backBuffer(t *testing.T, w, h int) *frame.Buffer {
	t.Helper()
	buf, err := frame.NewBuffer(frame.Size{Width: w, Height: h})
	require.NoError(t, err)
	buf.Fill(0x00, 0x00, 0xFF, 0xFF)
	return buf
}

func TestOuterSize(t *testing.T) {
	got := OuterSize(frame.Size{Width: 400, Height: 400}, Chrome{Height: 31})
	assert.Equal(t, frame.Size{Width: 400, Height: 431}, got)
}

func TestNewDefaultsToMJPEG(t *testing.T) {
	s, err := New(config.Defaults().Present)
	require.NoError(t, err)
	assert.IsType(t, &MJPEGSurface{}, s)

	_, err = New(config.PresentConfig{Surface: "vulkan"})
	assert.Error(t, err)
}

func TestPacerWaitsWholePeriods(t *testing.T) {
	now := time.Unix(0, 0)
	var slept []time.Duration
	p := newPacer(50)
	p.now = func() time.Time { return now }
	p.sleep = func(d time.Duration) {
		slept = append(slept, d)
		now = now.Add(d)
	}

	p.wait(1)
	assert.Empty(t, slept)

	now = now.Add(5 * time.Millisecond)
	p.wait(1)
	assert.Equal(t, []time.Duration{15 * time.Millisecond}, slept)

	p.wait(2)
	assert.Equal(t, 40*time.Millisecond, slept[1])

	p.wait(0)
	assert.Len(t, slept, 2)
}

func TestMJPEGPresentRequiresStart(t *testing.T) {
	m := NewMJPEGSurface(config.Defaults().Present)
	assert.Error(t, m.Present(backBuffer(t, 2, 2), 0))
}

func TestMJPEGPresentEncodesFrame(t *testing.T) {
	m := NewMJPEGSurface(config.Defaults().Present)
	require.NoError(t, m.Start(frame.Size{Width: 8, Height: 4}))
	defer m.Close()

	require.NoError(t, m.Present(backBuffer(t, 8, 4), 0))

	img, err := jpeg.Decode(bytes.NewReader(m.CurrentJPEG()))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	r, _, _, _ := img.At(1, 1).RGBA()
	assert.Greater(t, r>>8, uint32(0xE0))

	stats := m.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, uint64(1), stats.Frames)
	assert.Equal(t, "8x4", stats.Size)
	assert.Empty(t, m.PollEvents(10))
}

func TestMJPEGDecoratorDrawsOnCopyOnly(t *testing.T) {
	m := NewMJPEGSurface(config.Defaults().Present)
	require.NoError(t, m.Start(frame.Size{Width: 16, Height: 16}))
	defer m.Close()

	m.SetDecorator(func(img *image.RGBA) {
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0xFF, 0xFF})
			}
		}
	})

	bb := backBuffer(t, 16, 16)
	require.NoError(t, m.Present(bb, 0))
	assert.Equal(t, byte(0xFF), bb.Pix[2], "back buffer must stay untouched")

	img, err := jpeg.Decode(bytes.NewReader(m.CurrentJPEG()))
	require.NoError(t, err)
	r, _, b, _ := img.At(8, 8).RGBA()
	assert.Less(t, r>>8, uint32(0x20))
	assert.Greater(t, b>>8, uint32(0xE0))
}

func TestMJPEGStreamHandler(t *testing.T) {
	m := NewMJPEGSurface(config.Defaults().Present)
	require.NoError(t, m.Start(frame.Size{Width: 4, Height: 4}))
	defer m.Close()
	require.NoError(t, m.Present(backBuffer(t, 4, 4), 0))

	srv := httptest.NewServer(m.StreamHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "Content-Type: image/jpeg"))

	assert.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	assert.Eventually(t, func() bool { return m.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMJPEGStreamUnavailableWhenStopped(t *testing.T) {
	m := NewMJPEGSurface(config.Defaults().Present)
	rec := httptest.NewRecorder()
	m.StreamHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestViewerHandler(t *testing.T) {
	m := NewMJPEGSurface(config.Defaults().Present)
	rec := httptest.NewRecorder()
	m.ViewerHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>KG Capture</title>")
	assert.Contains(t, rec.Body.String(), `src="/stream"`)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "close", EventClose.String())
	assert.Equal(t, "resize", EventResize.String())
}
