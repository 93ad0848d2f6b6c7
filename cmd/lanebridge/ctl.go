package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"lanebridge/internal/ipc"
	"lanebridge/internal/lane/engine"
	"lanebridge/internal/reporter"
)

// runCtl sends one op to a running instance:
//
//	lanebridge ctl [-network unix] [-addr /run/lanebridge.sock] [-json] <op> [args-json]
func runCtl(args []string) int {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	network := fs.String("network", "unix", "unix or tcp")
	addr := fs.String("addr", "/run/lanebridge.sock", "ipc address")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	raw := fs.Bool("json", false, "print the raw response")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: lanebridge ctl [flags] <op> [args-json]")
		return 2
	}
	op := fs.Arg(0)
	var opArgs any
	if fs.NArg() > 1 {
		opArgs = json.RawMessage(fs.Arg(1))
		if !json.Valid([]byte(fs.Arg(1))) {
			fmt.Fprintln(os.Stderr, "args must be valid JSON")
			return 2
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c, err := ipc.Dial(ctx, *network, *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer c.Close()

	resp, err := c.Call(ctx, op, opArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *raw {
		out, _ := json.Marshal(resp)
		fmt.Println(string(out))
		return exitCode(resp)
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, "error:", resp.Error)
		return 1
	}
	printResult(op, resp)
	return 0
}

func exitCode(resp ipc.Response) int {
	if resp.OK {
		return 0
	}
	return 1
}

func printResult(op string, resp ipc.Response) {
	switch op {
	case "engine.stats", "engine.reset_stats":
		var st engine.Stats
		if err := resp.Decode(&st); err == nil {
			fmt.Println(reporter.FormatStats(st))
			return
		}
	case "ops":
		var ops map[string]string
		if err := resp.Decode(&ops); err == nil {
			names := make([]string, 0, len(ops))
			for n := range ops {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Printf("%-20s %s\n", n, ops[n])
			}
			return
		}
	}
	var v any
	if err := resp.Decode(&v); err != nil {
		fmt.Println(string(resp.Result))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
