// Package server exposes a capture session over the JSON control protocol and
// serves the preview stream.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abihf/framecap/capture"
	"github.com/abihf/framecap/config"
	"github.com/abihf/framecap/consumer"
	"github.com/abihf/framecap/device"
	"github.com/abihf/framecap/frame"
	"github.com/abihf/framecap/protocol"
)

// DrainTimeout bounds how long closing a session waits for consumers.
const DrainTimeout = 5 * time.Second

// Server owns one capture session, the consumer pipeline fed by it and the
// control connections.
type Server struct {
	conf   *config.Config
	log    *zap.SugaredLogger
	opener device.Opener

	session  *capture.Session
	streamer *consumer.Streamer
	writer   *consumer.Writer
	events   *broadcaster

	// serialises control actions that span session and pipeline
	ctl      sync.Mutex
	pipeline *consumer.Pipeline
	pipeStop context.CancelFunc
	pipeDone chan struct{}
}

// New builds a server for conf. opener may be nil to pick the driver named in
// the configuration.
func New(conf *config.Config, opener device.Opener, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opener == nil {
		opener = OpenerFor(conf)
	}
	s := &Server{
		conf:   conf,
		log:    logger,
		opener: opener,
		events: newBroadcaster(logger),
	}

	s.streamer = consumer.NewStreamer(consumer.StreamerOptions{
		MaxWidth: conf.StreamMaxWidth,
		Quality:  conf.JPEGQuality,
		Logger:   logger.Named("streamer"),
	})
	s.writer = consumer.NewWriter(archiveSettings(conf.Archive), logger.Named("writer"),
		func(n, total int, fileID string) {
			s.events.publish(&protocol.Event{
				Type:    protocol.EventWritten,
				Written: &protocol.Written{N: n, Total: total, FileID: fileID},
			})
		})

	ctrl := capture.Options{
		PollTimeout:       conf.PollTimeout(),
		UnresponsiveAfter: conf.UnresponsiveAfter,
	}
	if conf.CPU != nil {
		ctrl.PinCPU, ctrl.CPU = true, *conf.CPU
	}
	s.session = capture.NewSession(opener,
		capture.WithBufferCount(conf.BufferCount),
		capture.WithControllerOptions(ctrl),
		capture.WithLogger(logger.Named("capture")),
		capture.OnFrame(func(info frame.Info) {
			s.events.publish(&protocol.Event{Type: protocol.EventFrame, Frame: &info})
		}),
		capture.OnError(func(err error) {
			s.events.publish(&protocol.Event{Type: protocol.EventError, Error: err.Error()})
		}),
		capture.OnAdvisory(func(err error) {
			s.events.publish(&protocol.Event{Type: protocol.EventAdvisory, Error: err.Error()})
		}),
		capture.OnStateChange(func(st capture.SessionState) {
			s.events.publish(&protocol.Event{Type: protocol.EventState, State: st.String()})
		}),
	)
	return s
}

// OpenerFor returns the device opener selected by the configuration.
func OpenerFor(conf *config.Config) device.Opener {
	if conf.Driver == config.DriverSim {
		return device.SimOpener{
			Dimensions: device.Dimensions{Width: conf.Sim.Width, Height: conf.Sim.Height, BitsPerPixel: conf.Sim.Bits},
			FrameRate:  conf.Sim.FrameRate,
		}
	}
	return device.V4L2Opener{Format: conf.Format, Buffers: conf.DriverBuffers}
}

func archiveSettings(a config.Archive) consumer.WriterSettings {
	return consumer.WriterSettings{
		Dir:        a.Dir,
		Prefix:     a.Prefix,
		Instrument: a.Instrument,
		Telescope:  a.Telescope,
	}
}

// Session exposes the capture session.
func (s *Server) Session() *capture.Session {
	return s.session
}

// Streamer exposes the preview stage, an http.Handler.
func (s *Server) Streamer() *consumer.Streamer {
	return s.streamer
}

// Writer exposes the archive stage.
func (s *Server) Writer() *consumer.Writer {
	return s.writer
}

// Reload applies the runtime-tunable part of a new configuration.
func (s *Server) Reload(conf *config.Config) {
	s.writer.SetSettings(archiveSettings(conf.Archive))
}

// Open binds the device and starts the consumer pipeline.
func (s *Server) Open(ctx context.Context, deviceID string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if deviceID == "" {
		deviceID = s.conf.Device
	}
	if err := s.session.Open(ctx, deviceID); err != nil {
		return err
	}

	pipeCtx, cancel := context.WithCancel(context.Background())
	s.pipeline = consumer.NewPipeline(s.session.Pool(),
		consumer.PipelineOptions{Session: s.session.ID(), Logger: s.log.Named("pipeline")},
		s.streamer, s.writer)
	s.pipeStop = cancel
	s.pipeDone = make(chan struct{})
	go func(p *consumer.Pipeline, done chan struct{}) {
		defer close(done)
		if err := p.Run(pipeCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorw("pipeline stopped", "error", err)
		}
	}(s.pipeline, s.pipeDone)
	return nil
}

// Close stops capturing, waits for the consumers to hand every buffer back
// and closes the session.
func (s *Server) Close(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.closeLocked(ctx)
}

func (s *Server) closeLocked(ctx context.Context) error {
	if s.session.State() == capture.Closed {
		return nil
	}
	stopErr := s.session.StopCapture()

	if s.pipeline != nil {
		drainCtx, cancel := context.WithTimeout(ctx, DrainTimeout)
		err := s.pipeline.Drain(drainCtx)
		cancel()
		if err != nil {
			return multierr.Append(stopErr, err)
		}
		s.pipeStop()
		<-s.pipeDone
		s.pipeline.Close()
		s.pipeline = nil
	}
	return multierr.Append(stopErr, s.session.Close())
}

// Run serves control connections on ln and, when configured, the preview
// stream until ctx is done. The session is closed on the way out.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.serveControl(ctx, ln)
	})

	if s.conf.StreamAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/stream", s.streamer)
		httpSrv := &http.Server{Addr: s.conf.StreamAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.log.Infow("serving preview stream", "addr", s.conf.StreamAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "stream server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s.streamer.Close()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if s.conf.AutoStart {
		g.Go(func() error {
			if err := s.Open(ctx, ""); err != nil {
				s.log.Errorw("can not open device on start-up", "device", s.conf.Device, "error", err)
				return nil
			}
			if err := s.session.StartCapture(ctx); err != nil {
				s.log.Errorw("can not start capture on start-up", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	s.events.close()
	return multierr.Append(err, s.Close(context.Background()))
}

func (s *Server) serveControl(ctx context.Context, ln net.Listener) error {
	var conns sync.WaitGroup
	defer conns.Wait()

	for {
		fd, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if opErr, ok := err.(*net.OpError); ok && errors.Is(opErr.Err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "Accept error")
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handle(ctx, fd)
		}()
	}
}
