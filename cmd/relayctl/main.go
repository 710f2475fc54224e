// Command relayctl talks to a running rendezvous relay: it can register as a
// peer, send frames, print what comes back, stop the relay and list the
// relay's address book.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
)

const usage = `usage: relayctl [flags] <command> [command flags]

commands:
  handshake   send the identification handshake and print the ack
  send        handshake, then send frames to a target and print replies
  listen      handshake, then print every frame until the timeout
  stop        send the empty shutdown datagram
  peers       list the address book via the admin HTTP server
`

type globalOptions struct {
	relayAddr string
	adminURL  string
	id        string
	timeout   time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("relayctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var opts globalOptions
	fs.StringVar(&opts.relayAddr, "relay", "127.0.0.1:58120", "Relay UDP address")
	fs.StringVar(&opts.adminURL, "admin", "http://127.0.0.1:8080", "Relay admin base URL (peers command)")
	fs.StringVar(&opts.id, "id", "relayctl", "Identifier to send as (use \"server\" to register the server)")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Second, "How long to wait for replies")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "handshake":
		err = cmdHandshake(ctx, opts, cmdArgs, stdout)
	case "send":
		err = cmdSend(ctx, opts, cmdArgs, stdout)
	case "listen":
		err = cmdListen(ctx, opts, cmdArgs, stdout)
	case "stop":
		err = cmdStop(ctx, opts, stdout)
	case "peers":
		err = cmdPeers(ctx, opts, stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		pterm.Error.WithWriter(stdout).Println(err.Error())
		return 1
	}
	return 0
}
