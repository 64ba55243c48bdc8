package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/abihf/framecap/capture"
	"github.com/abihf/framecap/config"
	"github.com/abihf/framecap/consumer"
	"github.com/abihf/framecap/frame"
	"github.com/abihf/framecap/logging"
	"github.com/abihf/framecap/server"
)

func main() {
	app := &cli.App{
		Name:  "framerec",
		Usage: "record frames straight from a device, without the daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath, Usage: "load configuration from `FILE`"},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "capture device"},
			&cli.StringFlag{Name: "driver", Usage: "device driver, v4l2 or sim"},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 10, Usage: "number of frames to write"},
			&cli.IntFlag{Name: "stepping", Value: 1, Usage: "write one frame in every `N`"},
			&cli.IntFlag{Name: "buffers", Aliases: []string{"b"}, Usage: "number of frame buffers"},
			&cli.StringFlag{Name: "dir", Value: ".", Usage: "output directory"},
			&cli.StringFlag{Name: "prefix", Usage: "file name prefix"},
			&cli.DurationFlag{Name: "timeout", Value: time.Minute, Usage: "give up after this long"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print one status character per frame"},
		},
		Action: record,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func record(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("driver") {
		conf.Driver = c.String("driver")
	}
	if c.IsSet("device") {
		conf.Device = c.String("device")
	}
	if c.IsSet("buffers") {
		conf.BufferCount = c.Int("buffers")
	}
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}

	logger, err := logging.New(logging.Options{Level: "warn"})
	if err != nil {
		return err
	}
	defer logger.Close()

	count := c.Int("count")
	if count <= 0 {
		return errors.Errorf("invalid frame count %d", count)
	}
	if err := os.MkdirAll(c.String("dir"), 0o755); err != nil {
		return err
	}

	verbose := c.Bool("verbose")
	w := consumer.NewWriter(consumer.WriterSettings{
		Dir:        c.String("dir"),
		Prefix:     c.String("prefix"),
		Instrument: conf.Archive.Instrument,
		Telescope:  conf.Archive.Telescope,
	}, logger.Named("writer"), func(n, total int, fileID string) {
		if verbose {
			fmt.Println()
		}
		fmt.Printf("  - [%d/%d] %s\n", n, total, fileID)
	})
	w.WriteNext(count, c.Int("stepping"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	// the buffer goes back to the pool when the processor returns
	keep := func(*frame.Buffer) {}
	var bad int
	err = capture.Capture(ctx, &capture.Option{
		Device:  conf.Device,
		Opener:  server.OpenerFor(conf),
		Buffers: conf.BufferCount,
		Controller: capture.Options{
			PollTimeout:       conf.PollTimeout(),
			UnresponsiveAfter: conf.UnresponsiveAfter,
			Logger:            logger.Named("capture"),
		},
	}, func(b *frame.Buffer, info frame.Info) (bool, error) {
		if verbose {
			fmt.Printf("%c", info.Status.Code())
		}
		if info.Status != frame.StatusOK {
			bad++
		}
		w.Accept(b, info, keep)
		return w.Remaining() > 0, nil
	})
	if bad > 0 {
		fmt.Printf("%d frames skipped\n", bad)
	}
	return err
}
