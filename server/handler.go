package server

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/abihf/framecap/capture"
	"github.com/abihf/framecap/consumer"
	"github.com/abihf/framecap/protocol"
)

// StageStats describes one consumer stage.
type StageStats struct {
	Name     string `json:"name"`
	Accepted uint64 `json:"accepted"`
	Holding  int    `json:"holding"`
}

// StatsView is the payload of a STATS response.
type StatsView struct {
	capture.Stats
	Session       string       `json:"session"`
	Device        string       `json:"device"`
	Stages        []StageStats `json:"stages"`
	Held          int          `json:"held"`
	WriteBacklog  int          `json:"write_backlog"`
	StreamClients int          `json:"stream_clients"`
	Subscribers   int          `json:"subscribers"`
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	r := protocol.NewReader(c)
	for {
		req, err := r.ReadReq()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Warnw("Can not read request", "error", err)
			}
			return
		}

		if req.Action == protocol.ActionSubscribe {
			s.stream(c, r)
			return
		}

		extras, data, err := s.execute(ctx, req)
		switch {
		case err != nil:
			s.log.Infow("request failed", "action", req.Action, "error", err)
			err = protocol.WriteErrorRes(c, err)
		case data != nil:
			err = protocol.WriteDataRes(c, extras, data)
		default:
			err = protocol.WriteSuccessRes(c, extras)
		}
		if err != nil {
			s.log.Warnw("Can not write response", "error", err)
			return
		}
	}
}

// stream turns the connection into an event feed until the peer goes away.
func (s *Server) stream(c net.Conn, r *protocol.Reader) {
	sub := s.events.subscribe()
	if err := protocol.WriteSuccessRes(c, nil); err != nil {
		s.events.unsubscribe(sub)
		return
	}
	go func() {
		// anything but a disconnect is ignored
		for {
			if _, err := r.ReadReq(); err != nil {
				s.events.unsubscribe(sub)
				return
			}
		}
	}()

	for ev := range sub.events {
		if err := protocol.WriteEvent(c, ev); err != nil {
			s.events.unsubscribe(sub)
			break
		}
	}
	// wakes the reader goroutine
	c.Close()
}

func (s *Server) execute(ctx context.Context, req *protocol.Req) (map[string]string, interface{}, error) {
	switch req.Action {
	case protocol.ActionNop:
		return nil, nil, nil

	case protocol.ActionOpen:
		if err := s.Open(ctx, req.Params["device"]); err != nil {
			return nil, nil, err
		}
		return s.describe(), nil, nil

	case protocol.ActionClose:
		return nil, nil, s.Close(ctx)

	case protocol.ActionStart:
		return nil, nil, s.Start(ctx)

	case protocol.ActionStop:
		return nil, nil, s.Stop()

	case protocol.ActionBuffers:
		n, err := req.Int("count", 0)
		if err != nil {
			return nil, nil, err
		}
		if n != 0 {
			if err := s.session.SetBufferCount(n); err != nil {
				return nil, nil, err
			}
		}
		return map[string]string{"count": strconv.Itoa(s.session.BufferCount())}, nil, nil

	case protocol.ActionState:
		return s.describe(), nil, nil

	case protocol.ActionStats:
		stats, err := s.Stats()
		if err != nil {
			return nil, nil, err
		}
		return nil, stats, nil

	case protocol.ActionWrite:
		count, err := req.Int("count", 1)
		if err != nil {
			return nil, nil, err
		}
		stepping, err := req.Int("stepping", 1)
		if err != nil {
			return nil, nil, err
		}
		if count < 0 {
			return nil, nil, errors.Errorf("invalid frame count %d", count)
		}
		s.writer.WriteNext(count, stepping)
		return map[string]string{"remaining": strconv.Itoa(s.writer.Remaining())}, nil, nil

	case protocol.ActionArchive:
		settings := s.writer.Settings()
		for key, value := range req.Params {
			switch key {
			case "dir":
				settings.Dir = value
			case "prefix":
				settings.Prefix = value
			case "instrument":
				settings.Instrument = value
			case "telescope":
				settings.Telescope = value
			case "marker":
				m, err := parseMarker(value)
				if err != nil {
					return nil, nil, err
				}
				settings.Marker = m
			default:
				return nil, nil, errors.Errorf("unknown archive setting %q", key)
			}
		}
		s.writer.SetSettings(settings)
		return nil, s.writer.Settings(), nil

	case protocol.ActionClients:
		return nil, s.streamer.Clients(), nil
	}
	return nil, nil, errors.Errorf("unknown action %q", req.Action)
}

// parseMarker reads "x,y"; an empty value clears the marker.
func parseMarker(v string) (*consumer.Marker, error) {
	if v == "" {
		return nil, nil
	}
	xs, ys, ok := strings.Cut(v, ",")
	if !ok {
		return nil, errors.Errorf("invalid marker %q", v)
	}
	x, errX := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if errX != nil || errY != nil {
		return nil, errors.Errorf("invalid marker %q", v)
	}
	return &consumer.Marker{X: x, Y: y}, nil
}

// Start starts capturing on the open session.
func (s *Server) Start(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.session.StartCapture(ctx)
}

// Stop stops capturing; the session stays open.
func (s *Server) Stop() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.session.StopCapture()
}

// Stats gathers the capture counters and the pipeline state.
func (s *Server) Stats() (*StatsView, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	stats, err := s.session.Stats()
	if err != nil {
		return nil, err
	}
	view := &StatsView{
		Stats:         stats,
		Session:       s.session.ID(),
		Device:        s.session.DeviceID(),
		WriteBacklog:  s.writer.Remaining(),
		StreamClients: len(s.streamer.Clients()),
		Subscribers:   s.events.count(),
	}
	if s.pipeline != nil {
		view.Held = s.pipeline.Held()
		for _, r := range s.pipeline.Runners() {
			view.Stages = append(view.Stages, StageStats{Name: r.Name(), Accepted: r.Accepted(), Holding: r.Holding()})
		}
	}
	return view, nil
}

func (s *Server) describe() map[string]string {
	extras := map[string]string{
		"state":   s.session.State().String(),
		"buffers": strconv.Itoa(s.session.BufferCount()),
	}
	if id := s.session.ID(); id != "" {
		extras["session"] = id
		extras["device"] = s.session.DeviceID()
		extras["frame"] = s.session.Dimensions().String()
	}
	if err := s.session.Err(); err != nil {
		extras["error"] = err.Error()
	}
	return extras
}
