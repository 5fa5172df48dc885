package fieldnode

import (
	"context"
	"time"

	"github.com/abiosoft/ishell/v2"
)

const consoleTimeout = 5 * time.Second

// NewConsole builds the developer shell. Every command is executed on the
// node's control loop through Exec.
func NewConsole(ctx context.Context, n *Node) *ishell.Shell {
	shell := ishell.New()
	shell.Println("agrilink field node console")

	run := func(c *ishell.Context, args ...string) {
		cctx, cancel := context.WithTimeout(ctx, consoleTimeout)
		defer cancel()
		out, err := n.Exec(cctx, args...)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(out)
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "valve",
		Help: "valve open|close",
		Completer: func([]string) []string {
			return []string{"open", "close"}
		},
		Func: func(c *ishell.Context) {
			run(c, append([]string{"valve"}, c.Args...)...)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "show valve position, counters and the last reading",
		Func: func(c *ishell.Context) {
			run(c, "state")
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "sample and transmit telemetry now",
		Func: func(c *ishell.Context) {
			run(c, "send")
		},
	})
	return shell
}
