package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/DylanSMR/NetworkingLibrary/internal/frame"
	"github.com/DylanSMR/NetworkingLibrary/internal/httpserver"
	"github.com/DylanSMR/NetworkingLibrary/internal/peer"
)

// defaultHandshakeTarget is where the handshake for id goes: the server
// identifies itself to the relay, everyone else asks for the server.
func defaultHandshakeTarget(id string) string {
	if id == frame.ServerID {
		return frame.ProxyID
	}
	return frame.ServerID
}

func dialAndHandshake(ctx context.Context, opts globalOptions, target string, out io.Writer) (*peer.Client, error) {
	c, err := peer.Dial(nil, opts.relayAddr, opts.id)
	if err != nil {
		return nil, err
	}
	hsCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	ack, err := c.Handshake(hsCtx, target)
	if err != nil {
		_ = c.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no ack from %s within %s (is the server registered?)", opts.relayAddr, opts.timeout)
		}
		return nil, err
	}
	pterm.Success.WithWriter(out).Printfln("%s registered with %s (ack frame id %d)", opts.id, opts.relayAddr, ack.FrameID)
	return c, nil
}

func cmdHandshake(ctx context.Context, opts globalOptions, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("handshake", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	target := fs.String("target", defaultHandshakeTarget(opts.id), "Handshake target identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := dialAndHandshake(ctx, opts, *target, out)
	if err != nil {
		return err
	}
	return c.Close()
}

func cmdSend(ctx context.Context, opts globalOptions, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	target := fs.String("target", frame.ServerID, "Destination identifier")
	frameType := fs.Int("type", 1, "Frame type")
	count := fs.Int("count", 1, "Number of frames to send")
	important := fs.Bool("important", false, "Set the important flag")
	raw := fs.String("raw", "", "Send this payload verbatim instead of an encoded frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return fmt.Errorf("count must be > 0 (got %d)", *count)
	}

	c, err := dialAndHandshake(ctx, opts, defaultHandshakeTarget(opts.id), out)
	if err != nil {
		return err
	}
	defer c.Close()

	for i := 0; i < *count; i++ {
		if *raw != "" {
			err = c.SendRaw(ctx, []byte(*raw))
		} else {
			err = c.Send(ctx, frame.Frame{Type: frame.Type(*frameType), TargetID: *target, Important: *important})
		}
		if err != nil {
			return err
		}
	}
	pterm.Info.WithWriter(out).Printfln("sent %d frame(s) to %s", *count, *target)

	return printReplies(ctx, c, opts, out)
}

func cmdListen(ctx context.Context, opts globalOptions, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	target := fs.String("target", defaultHandshakeTarget(opts.id), "Handshake target identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := dialAndHandshake(ctx, opts, *target, out)
	if err != nil {
		return err
	}
	defer c.Close()
	return printReplies(ctx, c, opts, out)
}

// printReplies collects frames until opts.timeout passes without one and
// renders them as a table.
func printReplies(ctx context.Context, c *peer.Client, opts globalOptions, out io.Writer) error {
	rows := pterm.TableData{{"frame id", "type", "sender", "target", "important"}}
	for {
		recvCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		f, payload, err := c.Receive(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, frame.ErrMalformed) {
				pterm.Warning.WithWriter(out).Printfln("undecodable datagram (%d bytes): %s", len(payload), err)
				continue
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		rows = append(rows, frameRow(f))
	}

	if len(rows) == 1 {
		pterm.Info.WithWriter(out).Println("no frames received")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(rows).Render()
}

func frameRow(f frame.Frame) []string {
	return []string{
		strconv.FormatUint(f.FrameID, 10),
		strconv.Itoa(int(f.Type)),
		f.SenderID,
		f.TargetID,
		strconv.FormatBool(f.Important),
	}
}

func cmdStop(ctx context.Context, opts globalOptions, out io.Writer) error {
	c, err := peer.Dial(nil, opts.relayAddr, opts.id)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SendRaw(ctx, nil); err != nil {
		return err
	}
	pterm.Success.WithWriter(out).Printfln("sent shutdown datagram to %s", opts.relayAddr)
	return nil
}

func cmdPeers(ctx context.Context, opts globalOptions, out io.Writer) error {
	reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	url := strings.TrimRight(opts.adminURL, "/") + "/peers"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	var body httpserver.PeersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}

	pterm.Info.WithWriter(out).Printfln("%d peer(s), %d frame(s) sent", len(body.Peers), body.FramesSent)
	if len(body.Peers) == 0 {
		return nil
	}
	rows := pterm.TableData{{"id", "endpoint"}}
	for _, p := range body.Peers {
		rows = append(rows, []string{p.ID, p.Endpoint})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(rows).Render()
}
