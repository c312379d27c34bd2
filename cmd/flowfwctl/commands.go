package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

var errExit = fmt.Errorf("exit")

// caller is the part of grpcapi.Client the shell uses.
type caller interface {
	Call(ctx context.Context, method string, req map[string]any) (map[string]any, error)
	WatchEvents(ctx context.Context, types []string, fn func(map[string]any) error) error
}

type ctl struct {
	client  caller
	out     io.Writer
	timeout time.Duration
	// watchCtx returns the context a watch runs under; defaults to
	// watchContext.
	watchCtx func() (context.Context, context.CancelFunc)
}

func (c *ctl) call(method string, req map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Call(ctx, method, req)
}

func (c *ctl) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "status":
		return c.status()
	case "stats":
		return c.stats()
	case "table":
		return c.table(parts[1:])
	case "rule":
		return c.rule(line, parts[1:])
	case "conns":
		return c.conns(parts[1:])
	case "export":
		res, err := c.call("ExportConfig", nil)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, res["yaml"])
		return nil
	case "reload":
		res, err := c.call("Reload", nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "configuration %v loaded\n", res["snapshot_id"])
		return nil
	case "watch":
		return c.watch(parts[1:])
	case "help", "?":
		c.help()
		return nil
	case "exit", "quit":
		return errExit
	}
	return fmt.Errorf("unknown command: %s", parts[0])
}

func (c *ctl) help() {
	fmt.Fprint(c.out, `Commands:
  status                         Show daemon status
  stats                          Show packet counters
  table <name> list|flush        List or empty a table
  table <name> add|del <prefix>  Change a table entry
  table <name> test <addr>       Look up an address
  rule <group> list|flush        List or remove dynamic rules
  rule <group> add <rule>        Add a rule, e.g. {name: x, action: block}
  rule <group> del <key>         Remove a rule by key
  rule <group> del-id <id>       Remove a rule by ID
  conns [limit <n>]              List connections
  conns flush                    Drop every connection
  export                         Print the running configuration
  reload                         Reload the configuration file
  watch [TYPE...]                Stream rule events until Ctrl-C
  exit                           Leave the shell
`)
}

func (c *ctl) status() error {
	res, err := c.call("Status", nil)
	if err != nil {
		return err
	}
	def := "block"
	if res["default_pass"] == true {
		def = "pass"
	}
	fmt.Fprintf(c.out, "Version:     %v\n", res["version"])
	fmt.Fprintf(c.out, "Uptime:      %v\n", res["uptime"])
	fmt.Fprintf(c.out, "Config:      %v (loaded %v)\n", res["snapshot_id"], res["loaded_at"])
	fmt.Fprintf(c.out, "Rules:       %v\n", res["rules"])
	fmt.Fprintf(c.out, "NAT rules:   %v\n", res["nat_rules"])
	fmt.Fprintf(c.out, "Tables:      %v\n", res["tables"])
	fmt.Fprintf(c.out, "Default:     %s\n", def)
	fmt.Fprintf(c.out, "Connections: %v\n", res["conns"])
	return nil
}

func (c *ctl) stats() error {
	res, err := c.call("Stats", nil)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(res))
	for k := range res {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Fprintf(c.out, "%-24s %v\n", n, res[n])
	}
	return nil
}

func (c *ctl) table(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: table <name> list|flush|add|del|test")
	}
	name, op := args[0], args[1]
	req := map[string]any{"table": name}
	arg := func() (string, error) {
		if len(args) < 3 {
			return "", fmt.Errorf("table %s: missing address", op)
		}
		return args[2], nil
	}

	switch op {
	case "list":
		res, err := c.call("TableList", req)
		if err != nil {
			return err
		}
		entries, _ := res["entries"].([]any)
		for _, e := range entries {
			fmt.Fprintln(c.out, e)
		}
		return nil
	case "flush":
		_, err := c.call("TableFlush", req)
		return err
	case "add", "del":
		p, err := arg()
		if err != nil {
			return err
		}
		req["prefix"] = p
		method := "TableInsert"
		if op == "del" {
			method = "TableRemove"
		}
		_, err = c.call(method, req)
		return err
	case "test":
		a, err := arg()
		if err != nil {
			return err
		}
		req["addr"] = a
		res, err := c.call("TableLookup", req)
		if err != nil {
			return err
		}
		if res["match"] == true {
			fmt.Fprintf(c.out, "%s: match\n", a)
		} else {
			fmt.Fprintf(c.out, "%s: no match\n", a)
		}
		return nil
	}
	return fmt.Errorf("unknown table operation: %s", op)
}

func (c *ctl) rule(line string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rule <group> list|flush|add|del|del-id")
	}
	group, op := args[0], args[1]
	req := map[string]any{"group": group}

	switch op {
	case "list":
		res, err := c.call("ListRules", req)
		if err != nil {
			return err
		}
		rules, _ := res["rules"].([]any)
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKEY\tPRIORITY\tATTR")
		for _, r := range rules {
			m, _ := r.(map[string]any)
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n", m["id"], m["name"], orDash(m["key"]), orZero(m["priority"]), m["attr"])
		}
		return tw.Flush()
	case "flush":
		res, err := c.call("FlushRules", req)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%v rules removed\n", res["removed"])
		return nil
	case "add":
		// The rule is the rest of the line, in configuration syntax.
		_, desc, _ := strings.Cut(line, " add ")
		var rule map[string]any
		if err := yaml.Unmarshal([]byte(desc), &rule); err != nil || rule == nil {
			return fmt.Errorf("rule add: invalid rule %q", strings.TrimSpace(desc))
		}
		req["rule"] = rule
		res, err := c.call("AddRule", req)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "rule %v added\n", res["id"])
		return nil
	case "del", "del-id":
		if len(args) < 3 {
			return fmt.Errorf("rule %s: missing argument", op)
		}
		if op == "del" {
			req["key"] = args[2]
		} else {
			id, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("rule del-id: invalid id %q", args[2])
			}
			req["id"] = id
		}
		_, err := c.call("RemoveRule", req)
		return err
	}
	return fmt.Errorf("unknown rule operation: %s", op)
}

func (c *ctl) conns(args []string) error {
	req := map[string]any{}
	switch {
	case len(args) == 1 && args[0] == "flush":
		res, err := c.call("FlushConns", nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%v connections flushed\n", res["flushed"])
		return nil
	case len(args) == 2 && args[0] == "limit":
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("conns: invalid limit %q", args[1])
		}
		req["limit"] = n
	case len(args) != 0:
		return fmt.Errorf("usage: conns [limit <n>] | conns flush")
	}

	res, err := c.call("ListConns", req)
	if err != nil {
		return err
	}
	conns, _ := res["conns"].([]any)
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FORWARD\tBACKWARD\tDIR\tSTATE\tIDLE\tNAT")
	for _, e := range conns {
		m, _ := e.(map[string]any)
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n", m["forward"], m["backward"], m["dir"], m["state"], m["idle"], orDash(m["nat"]))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d of %v connections\n", len(conns), res["total"])
	return nil
}

func (c *ctl) watch(types []string) error {
	newCtx := c.watchCtx
	if newCtx == nil {
		newCtx = watchContext
	}
	ctx, cancel := newCtx()
	defer cancel()

	err := c.client.WatchEvents(ctx, types, func(ev map[string]any) error {
		fmt.Fprintf(c.out, "%v %v rule=%v %v -> %v proto=%v action=%v\n",
			ev["time"], ev["type"], ev["rule"], ev["src"], ev["dst"], ev["protocol"], ev["action"])
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func orDash(v any) any {
	if v == nil || v == "" {
		return "-"
	}
	return v
}

func orZero(v any) any {
	if v == nil {
		return 0
	}
	return v
}
