package consumer

import (
	"bytes"
	"encoding/json"
	"image"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/abihf/framecap/frame"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxRequestSize = 1024

	DefaultJPEGQuality = 85
)

// StreamerOptions configure a Streamer.
type StreamerOptions struct {
	// MaxWidth downscales wider frames. Zero sends them at full size.
	MaxWidth int
	Quality  int
	Logger   *zap.SugaredLogger
}

// FrameHeader is sent as a text message right before every JPEG.
type FrameHeader struct {
	Session       string    `json:"session"`
	Sequence      uint64    `json:"sequence"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	BitsPerPixel  int       `json:"bits_per_pixel"`
	HostTimestamp time.Time `json:"host_timestamp"`
	Levels        Levels    `json:"levels"`
	GoodBlack     bool      `json:"good_black"`
	Size          int       `json:"size"`
}

// ClientInfo describes one connected viewer.
type ClientInfo struct {
	ID      uint64    `json:"id"`
	Addr    string    `json:"addr"`
	Since   time.Time `json:"since"`
	Sent    uint64    `json:"sent"`
	Pending bool      `json:"pending"`
}

type message struct {
	header []byte
	image  []byte
}

type client struct {
	id    uint64
	conn  *websocket.Conn
	addr  string
	since time.Time

	pending atomic.Bool
	sent    atomic.Uint64
	send    chan message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Streamer is a stage that serves preview images over websocket. Any message
// a viewer sends is a request for one image; the next good frame is rendered
// to 8-bit gray and sent to every viewer with an open request.
type Streamer struct {
	opts     StreamerOptions
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64

	requests atomic.Int32
}

// NewStreamer creates a streamer with no viewers.
func NewStreamer(opts StreamerOptions) *Streamer {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultJPEGQuality
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Streamer{
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxRequestSize,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[uint64]*client),
	}
}

func (s *Streamer) Name() string { return "streamer" }

// Accept renders the frame when a viewer is waiting. The buffer is released
// before the image is encoded and sent.
func (s *Streamer) Accept(b *frame.Buffer, info frame.Info, release Release) {
	if info.Status != frame.StatusOK || s.requests.Load() == 0 {
		release(b)
		return
	}
	img := Render8(b)
	release(b)

	msg, err := s.encode(img, info)
	if err != nil {
		s.log.Errorw("can not encode preview", "sequence", info.Sequence, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if !c.pending.CompareAndSwap(true, false) {
			continue
		}
		s.requests.Dec()
		select {
		case c.send <- msg:
		default:
			s.log.Warnw("viewer is not keeping up, dropping preview", "client", c.addr)
		}
	}
}

func (s *Streamer) encode(img *image.Gray, info frame.Info) (message, error) {
	var out image.Image = img
	if s.opts.MaxWidth > 0 && img.Bounds().Dx() > s.opts.MaxWidth {
		out = imaging.Resize(img, s.opts.MaxWidth, 0, imaging.Box)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(s.opts.Quality)); err != nil {
		return message{}, errors.Wrap(err, "jpeg")
	}

	bounds := out.Bounds()
	lv := measureGray(img.Pix)
	header, err := json.Marshal(FrameHeader{
		Session:       info.Session,
		Sequence:      info.Sequence,
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		BitsPerPixel:  info.BitsPerPixel,
		HostTimestamp: info.HostTimestamp,
		Levels:        lv,
		GoodBlack:     lv.GoodBlackLevel(),
		Size:          buf.Len(),
	})
	if err != nil {
		return message{}, err
	}
	return message{header: header, image: buf.Bytes()}, nil
}

// ServeHTTP upgrades the request to a websocket viewer connection.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	s.nextID++
	c := &client{
		id:    s.nextID,
		conn:  conn,
		addr:  r.RemoteAddr,
		since: time.Now(),
		send:  make(chan message, 2),
		done:  make(chan struct{}),
	}
	s.clients[c.id] = c
	s.mu.Unlock()
	s.log.Infow("viewer connected", "client", c.addr, "id", c.id)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Streamer) readPump(c *client) {
	defer s.drop(c)

	c.conn.SetReadLimit(maxRequestSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warnw("viewer read failed", "client", c.addr, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.pending.CompareAndSwap(false, true) {
			s.requests.Inc()
		}
	}
}

func (s *Streamer) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.header); err != nil {
				s.log.Warnw("viewer write failed", "client", c.addr, "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.image); err != nil {
				s.log.Warnw("viewer write failed", "client", c.addr, "error", err)
				return
			}
			c.sent.Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		if c.pending.CompareAndSwap(true, false) {
			s.requests.Dec()
		}
	}
	s.mu.Unlock()
	c.close()
	s.log.Infow("viewer disconnected", "client", c.addr, "id", c.id)
}

// Clients lists the connected viewers ordered by id.
func (s *Streamer) Clients() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{
			ID:      c.id,
			Addr:    c.addr,
			Since:   c.since,
			Sent:    c.sent.Load(),
			Pending: c.pending.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects every viewer.
func (s *Streamer) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
