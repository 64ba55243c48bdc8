package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/abihf/framecap/protocol"
)

func main() {
	app := &cli.App{
		Name:  "framectl",
		Usage: "control a running framecapd",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Aliases: []string{"s"}, Value: protocol.GetSockAddress(), Usage: "control socket path"},
		},
		Commands: []*cli.Command{
			simple("open", "open a device, the configured one by default", protocol.ActionOpen, "device"),
			simple("close", "close the device", protocol.ActionClose),
			simple("start", "start capturing", protocol.ActionStart),
			simple("stop", "stop capturing", protocol.ActionStop),
			simple("buffers", "show or set the buffer count", protocol.ActionBuffers, "count"),
			simple("state", "show the session state", protocol.ActionState),
			simple("stats", "show capture statistics", protocol.ActionStats),
			simple("write", "archive the next COUNT frames, one in every STEPPING", protocol.ActionWrite, "count", "stepping"),
			simple("clients", "list preview viewers", protocol.ActionClients),
			simple("ping", "check that the daemon answers", protocol.ActionNop),
			{
				Name:      "archive",
				Usage:     "change archive settings",
				ArgsUsage: "key=value...",
				Action: func(c *cli.Context) error {
					params := map[string]string{}
					for _, arg := range c.Args().Slice() {
						k, v, ok := strings.Cut(arg, "=")
						if !ok {
							return errors.Errorf("expected key=value, got %q", arg)
						}
						params[k] = v
					}
					return call(c, protocol.ActionArchive, params)
				},
			},
			{
				Name:  "watch",
				Usage: "print capture events",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "compact", Aliases: []string{"v"}, Usage: "print one status character per frame"},
				},
				Action: watch,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// simple maps positional arguments onto the named request parameters.
func simple(name, usage string, action protocol.Action, params ...string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: strings.ToUpper(strings.Join(params, " ")),
		Action: func(c *cli.Context) error {
			values := map[string]string{}
			for i, p := range params {
				if c.Args().Len() > i {
					values[p] = c.Args().Get(i)
				}
			}
			return call(c, action, values)
		},
	}
}

func dial(c *cli.Context) (net.Conn, error) {
	conn, err := net.Dial("unix", c.String("socket"))
	if err != nil {
		return nil, errors.Wrap(err, "Can not connect to framecapd")
	}
	return conn, nil
}

func call(c *cli.Context, action protocol.Action, params map[string]string) error {
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteReq(conn, action, params); err != nil {
		return err
	}
	res, err := protocol.NewReader(conn).ReadRes()
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}

	keys := make([]string, 0, len(res.Extras))
	for k := range res.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, res.Extras[k])
	}
	if len(res.Data) > 0 {
		var pretty interface{}
		if err := json.Unmarshal(res.Data, &pretty); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	}
	if len(keys) == 0 && len(res.Data) == 0 {
		fmt.Println("Result", res.Status)
	}
	return nil
}

func watch(c *cli.Context) error {
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteReq(conn, protocol.ActionSubscribe, nil); err != nil {
		return err
	}
	r := protocol.NewReader(conn)
	res, err := r.ReadRes()
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}

	compact := c.Bool("compact")
	for {
		ev, err := r.ReadEvent()
		if err != nil {
			return errors.Wrap(err, "event stream ended")
		}
		switch ev.Type {
		case protocol.EventFrame:
			if compact {
				fmt.Printf("%c", ev.Frame.Status.Code())
				continue
			}
			fmt.Printf("%s frame %d %s %dx%d latency=%v\n", ev.Time.Format("15:04:05.000"),
				ev.Frame.Sequence, ev.Frame.Status, ev.Frame.Width, ev.Frame.Height, ev.Frame.ReadoutLatency)
		case protocol.EventWritten:
			fmt.Printf("\nwritten %d/%d %s\n", ev.Written.N, ev.Written.Total, ev.Written.FileID)
		case protocol.EventState:
			fmt.Printf("\nstate %s\n", ev.State)
		default:
			fmt.Printf("\n%s %s\n", ev.Type, ev.Error)
		}
	}
}
