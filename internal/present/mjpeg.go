package present

import (
	"bytes"
	"fmt"
	"html/template"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
)

// MJPEGSurface streams presented frames as Motion JPEG over HTTP.
// It has no OS window, so it never reports events.
type MJPEGSurface struct {
	cfg     config.PresentConfig
	size    frame.Size
	running bool
	mu      sync.RWMutex
	pacer   *pacer

	// Current frame
	frameMu     sync.RWMutex
	currentJPEG []byte
	lastUpdate  time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	startTime  time.Time

	decorate func(*image.RGBA)
}

// StreamStats describes the stream for the status API
type StreamStats struct {
	Running    bool      `json:"running"`
	Size       string    `json:"size"`
	Frames     uint64    `json:"frames"`
	FPS        float64   `json:"fps"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
}

// NewMJPEGSurface creates a new MJPEG stream surface
func NewMJPEGSurface(cfg config.PresentConfig) *MJPEGSurface {
	return &MJPEGSurface{
		cfg:     cfg,
		pacer:   newPacer(cfg.RefreshHz),
		clients: make(map[chan []byte]struct{}),
	}
}

// Name returns the surface name
func (m *MJPEGSurface) Name() string {
	return "MJPEG HTTP Stream"
}

// Start marks the stream live at size.
// The HTTP handlers are registered separately via StreamHandler and ViewerHandler.
func (m *MJPEGSurface) Start(size frame.Size) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG surface already running")
	}

	m.running = true
	m.size = size
	m.startTime = time.Now()
	m.frameCount = 0

	logger.WithComponent("mjpeg").Info().
		Str("size", size.String()).
		Int("refresh_hz", m.cfg.RefreshHz).
		Msg("MJPEG surface started")
	return nil
}

// Close disconnects every client
func (m *MJPEGSurface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("MJPEG surface stopped")
	return nil
}

// IsRunning returns true if the surface is active
func (m *MJPEGSurface) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// ResizeBuffers records the new frame size; JPEG frames carry their own dimensions
func (m *MJPEGSurface) ResizeBuffers(size frame.Size) error {
	m.mu.Lock()
	m.size = size
	m.mu.Unlock()
	return nil
}

// PollEvents always returns nil
func (m *MJPEGSurface) PollEvents(max int) []Event {
	return nil
}

// Present encodes the back buffer and sends it to all connected clients
func (m *MJPEGSurface) Present(bb *frame.Buffer, syncInterval int) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG surface not running")
	}
	if err := bb.Validate(); err != nil {
		return err
	}

	img := bb.ToRGBA()
	m.mu.RLock()
	decorate := m.decorate
	m.mu.RUnlock()
	if decorate != nil {
		decorate(img)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: m.cfg.JPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.currentJPEG = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	// Broadcast to all clients
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	m.pacer.wait(syncInterval)
	return nil
}

// SetDecorator installs fn to draw on each frame's RGBA copy before encoding
func (m *MJPEGSurface) SetDecorator(fn func(*image.RGBA)) {
	m.mu.Lock()
	m.decorate = fn
	m.mu.Unlock()
}

// CurrentJPEG returns the last presented frame, or nil
func (m *MJPEGSurface) CurrentJPEG() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.currentJPEG
}

// Stats returns a snapshot of stream counters
func (m *MJPEGSurface) Stats() StreamStats {
	m.mu.RLock()
	s := StreamStats{
		Running: m.running,
		Size:    m.size.String(),
		Frames:  m.frameCount,
	}
	startTime := m.startTime
	m.mu.RUnlock()

	if s.Running && !startTime.IsZero() {
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			s.FPS = float64(s.Frames) / elapsed
		}
	}

	m.frameMu.RLock()
	s.LastUpdate = m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	s.Clients = len(m.clients)
	m.clientsMu.RUnlock()
	return s
}

// ClientCount returns the number of connected stream clients
func (m *MJPEGSurface) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// StreamHandler returns an http.Handler for the MJPEG stream
func (m *MJPEGSurface) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		log := logger.WithComponent("mjpeg")
		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log.Info().Int("clients", clientCount).Str("remote", r.RemoteAddr).Msg("Stream client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Stream client disconnected")
		}()

		// New clients see the current frame right away
		if current := m.CurrentJPEG(); current != nil {
			if err := writePart(w, current); err != nil {
				return
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

var viewerTemplate = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            display: flex;
            justify-content: center;
            align-items: flex-start;
            min-height: 100vh;
        }
        img { display: block; image-rendering: pixelated; }
        .status {
            position: fixed;
            bottom: 8px;
            left: 8px;
            color: #888;
            font: 12px system-ui, sans-serif;
        }
    </style>
</head>
<body>
    <img src="/stream" alt="{{.Title}}">
    <div class="status" id="status"></div>
    <script>
        async function refresh() {
            try {
                const s = await (await fetch('/api/status')).json();
                document.getElementById('status').textContent =
                    s.state + ' · ' + s.layout.width + 'x' + s.layout.height + ' · tick ' + s.ticks;
            } catch (e) {}
        }
        refresh();
        setInterval(refresh, 2000);
    </script>
</body>
</html>`))

// ViewerHandler returns an HTTP handler with a minimal page showing the stream
func (m *MJPEGSurface) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := viewerTemplate.Execute(w, struct{ Title string }{m.cfg.WindowTitle}); err != nil {
			logger.WithComponent("mjpeg").Error().Err(err).Msg("Failed to render viewer")
		}
	}
}
