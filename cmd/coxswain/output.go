package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/manager"
	"frameworks/api_tunnel/internal/optimizer"
)

type format string

const (
	formatText format = "text"
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func parseFormat(s string) (format, error) {
	switch f := format(strings.ToLower(s)); f {
	case "", formatText:
		return formatText, nil
	case formatJSON, formatYAML:
		return f, nil
	}
	return "", &apperr.UsageError{Msg: fmt.Sprintf("unknown output format %q (want text, json or yaml)", s)}
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// textWriter collects the first write error so text renderers stay linear.
type textWriter struct {
	w   io.Writer
	err error
}

func (t *textWriter) line(msg string, args ...any) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, msg+"\n", args...)
}

func render(w io.Writer, f format, v any, text func(*textWriter)) error {
	switch f {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	tw := &textWriter{w: w}
	text(tw)
	return tw.err
}

func renderResult(w io.Writer, f format, res manager.Result) error {
	return render(w, f, res, func(tw *textWriter) {
		switch {
		case res.Status != nil:
			writeStatus(tw, *res.Status)
		case res.Peer != nil:
			tw.line("%s", res.Message)
			tw.line("  public key:  %s", res.Peer.PublicKey)
			tw.line("  allowed ips: %s", strings.Join(res.Peer.AllowedIPs, ", "))
			if res.Bundle != "" {
				tw.line("  bundle:      %s", res.Bundle)
			}
		default:
			tw.line("%s", res.Message)
		}
	})
}

func writeStatus(tw *textWriter, st manager.Status) {
	if tw.err != nil {
		return
	}
	tab := tabwriter.NewWriter(tw.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tab, "INTERFACE\tROLE\tADDRESS\tPEERS\tRX BYTES\tTX BYTES\tSTATE")
	for _, is := range st.Interfaces {
		rx, tx := "-", "-"
		if is.LastSample != nil {
			rx = fmt.Sprint(is.LastSample.RxBytes)
			tx = fmt.Sprint(is.LastSample.TxBytes)
		}
		fmt.Fprintf(tab, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			is.Name, is.Role, dash(is.Address), is.PeerCount, rx, tx, interfaceState(is))
	}
	if tw.err = tab.Flush(); tw.err != nil {
		return
	}

	var peers []manager.PeerView
	for _, is := range st.Interfaces {
		if is.Role == "server" {
			peers = append(peers, is.Peers...)
		}
	}
	if len(peers) > 0 {
		tw.line("")
		tab = tabwriter.NewWriter(tw.w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tab, "PEER\tALLOWED IPS\tPUBLIC KEY")
		for _, p := range peers {
			fmt.Fprintf(tab, "%s\t%s\t%s\n", p.Name, strings.Join(p.AllowedIPs, ","), p.PublicKey)
		}
		if tw.err = tab.Flush(); tw.err != nil {
			return
		}
	}

	tw.line("")
	tw.line("%s %s, %d of %d bytes since last action", bold("optimizer:"),
		st.Optimizer.Phase, st.Optimizer.BytesSinceLastAction, st.Optimizer.ThresholdBytes)
	if st.LastAction != nil {
		tw.line("%s %s (%s)", bold("last action:"), st.LastAction.Time.Format(time.RFC3339), actionResult(*st.LastAction))
	}
	tw.line("%s %s", bold("external address:"), dash(st.ExternalAddress))
}

func interfaceState(is manager.InterfaceStatus) string {
	switch {
	case is.Error != "":
		return red("error: " + is.Error)
	case is.Up:
		return green("up")
	case is.Configured:
		return yellow("down")
	default:
		return "not configured"
	}
}

func actionResult(a optimizer.Action) string {
	if a.Result == optimizer.ResultOK {
		return green(a.Result)
	}
	return red(a.Result + ": " + a.Error)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
