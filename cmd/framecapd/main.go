package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/abihf/framecap/config"
	"github.com/abihf/framecap/device"
	"github.com/abihf/framecap/logging"
	"github.com/abihf/framecap/server"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "framecapd",
		Usage:   "capture frames from a camera and serve them to local clients",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath, Usage: "load configuration from `FILE`"},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "capture device"},
			&cli.StringFlag{Name: "driver", Usage: "device driver, v4l2 or sim"},
			&cli.IntFlag{Name: "buffers", Aliases: []string{"n"}, Usage: "number of frame buffers"},
			&cli.StringFlag{Name: "socket", Aliases: []string{"s"}, Usage: "control socket path"},
			&cli.StringFlag{Name: "stream", Aliases: []string{"p"}, Usage: "preview stream listen `ADDR`"},
			&cli.BoolFlag{Name: "auto-start", Aliases: []string{"a"}, Usage: "open the device and start capturing immediately"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
			&cli.BoolFlag{Name: "list", Usage: "list capture devices and exit"},
			&cli.BoolFlag{Name: "info", Usage: "print the frame geometry of the device and exit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
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
	if c.IsSet("socket") {
		conf.Socket = c.String("socket")
	}
	if c.IsSet("stream") {
		conf.StreamAddr = c.String("stream")
	}
	if c.Bool("auto-start") {
		conf.AutoStart = true
	}
	if c.Bool("verbose") {
		conf.Log.Level = "debug"
	}
	return conf, conf.Validate()
}

func run(c *cli.Context) error {
	if c.Bool("list") {
		paths, err := device.List()
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	}

	conf, err := loadConfig(c)
	if err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}
	if c.Bool("info") {
		return printInfo(c.Context, conf)
	}

	logger, err := logging.New(logging.Options{
		Level:      conf.Log.Level,
		File:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAgeDays: conf.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	return serve(c.Context, c.String("config"), conf, logger)
}

func printInfo(ctx context.Context, conf *config.Config) error {
	dev, err := server.OpenerFor(conf).Open(ctx, conf.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	dims, err := dev.MaxFrameDimensions()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (%s)\n", conf.Device, dims, conf.Format)
	return nil
}

func serve(ctx context.Context, configPath string, conf *config.Config, logger *logging.Logger) error {
	if isAlreadyRun(conf.PidFile) {
		return errors.New("already run")
	}
	if err := writeLockFile(conf.PidFile); err != nil {
		return errors.Wrap(err, "Can not write pid file")
	}
	defer os.Remove(conf.PidFile)

	os.Remove(conf.Socket)
	ln, err := net.Listen("unix", conf.Socket)
	if err != nil {
		return errors.Wrap(err, "Listen error")
	}
	os.Chmod(conf.Socket, 0o666)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(conf, nil, logger.SugaredLogger)
	go func() {
		err := config.Watch(ctx, configPath, logger.Named("config"), func(next *config.Config) {
			srv.Reload(next)
			if err := logger.SetLevel(next.Log.Level); err != nil {
				logger.Warnw("Invalid log level", "error", err)
			}
		})
		if err != nil {
			logger.Warnw("config reload disabled", "error", err)
		}
	}()

	logger.Infow("framecapd started", "socket", conf.Socket, "device", conf.Device, "driver", conf.Driver)
	daemon.SdNotify(false, daemon.SdNotifyReady)
	go func() {
		<-ctx.Done()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		logger.Infow("shutting down")
	}()

	return srv.Run(ctx, ln)
}

func isAlreadyRun(path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	pidStr, err := os.ReadFile(path)
	if err != nil {
		log.Println("Can not read pid file", err)
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidStr)))
	if err != nil {
		log.Println("Invalid existing pid file", err)
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writeLockFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(f, "%d", os.Getpid())
	return f.Close()
}
