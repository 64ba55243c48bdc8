package consumer

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/abihf/framecap/frame"
)

func dialStreamer(t *testing.T, s *Streamer) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(s)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldBeNil)
	return conn, func() {
		conn.Close()
		s.Close()
		srv.Close()
	}
}

func TestStreamerAnswersRequests(t *testing.T) {
	s := NewStreamer(StreamerOptions{MaxWidth: 2, Logger: zaptest.NewLogger(t).Sugar()})
	conn, done := dialStreamer(t, s)
	defer done()

	pool, err := frame.Allocate(1, 16)
	test.That(t, err, test.ShouldBeNil)
	accept := func(seq uint64) bool {
		b, info := testBuffer(t, pool, seq, frame.StatusOK)
		released := false
		s.Accept(b, info, func(rb *frame.Buffer) {
			released = true
			test.That(t, pool.Return(rb), test.ShouldBeNil)
		})
		return released
	}

	// nobody asked, nothing is rendered
	test.That(t, accept(1), test.ShouldBeTrue)

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("img")), test.ShouldBeNil)
	waitUntil(t, func() bool {
		clients := s.Clients()
		return len(clients) == 1 && clients[0].Pending
	})

	test.That(t, accept(2), test.ShouldBeTrue)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, raw, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kind, test.ShouldEqual, websocket.TextMessage)
	var header FrameHeader
	test.That(t, json.Unmarshal(raw, &header), test.ShouldBeNil)
	test.That(t, header.Sequence, test.ShouldEqual, uint64(2))
	test.That(t, header.Session, test.ShouldEqual, "s1")
	test.That(t, header.Width, test.ShouldEqual, 2)
	test.That(t, header.Height, test.ShouldEqual, 1)
	test.That(t, header.BitsPerPixel, test.ShouldEqual, 12)
	test.That(t, header.Levels.Min, test.ShouldEqual, uint8(240))
	test.That(t, header.Levels.Dark, test.ShouldEqual, 0.0)
	test.That(t, header.GoodBlack, test.ShouldBeFalse)

	kind, raw, err = conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kind, test.ShouldEqual, websocket.BinaryMessage)
	test.That(t, raw, test.ShouldHaveLength, header.Size)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 2)

	// one request, one image
	waitUntil(t, func() bool { return s.Clients()[0].Sent == 1 })
	test.That(t, s.Clients()[0].Pending, test.ShouldBeFalse)
	test.That(t, accept(3), test.ShouldBeTrue)
	test.That(t, s.Clients()[0].Sent, test.ShouldEqual, uint64(1))
}

func TestStreamerSkipsBadFrames(t *testing.T) {
	s := NewStreamer(StreamerOptions{})
	conn, done := dialStreamer(t, s)
	defer done()

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("?")), test.ShouldBeNil)
	waitUntil(t, func() bool {
		clients := s.Clients()
		return len(clients) == 1 && clients[0].Pending
	})

	pool, err := frame.Allocate(1, 16)
	test.That(t, err, test.ShouldBeNil)
	b, info := testBuffer(t, pool, 1, frame.StatusDataMissing)
	s.Accept(b, info, func(rb *frame.Buffer) { test.That(t, pool.Return(rb), test.ShouldBeNil) })
	test.That(t, s.Clients()[0].Pending, test.ShouldBeTrue)

	conn.Close()
	waitUntil(t, func() bool { return len(s.Clients()) == 0 })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}
