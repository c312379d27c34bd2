// flowfwctl is the command line client for flowfwd.
//
// Without arguments it starts an interactive shell; otherwise the
// arguments are run as a single command.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", config.DefaultGRPCAddr, "flowfwd gRPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowfwctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	c := &ctl{client: client, out: os.Stdout, timeout: *timeout}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "flowfwctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	st, err := client.Call(ctx, "Status", nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowfwctl: cannot reach flowfwd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "flowfw> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowfwctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("connected to flowfwd %v (uptime: %v)\n", st["version"], st["uptime"])
	fmt.Println("Type 'help' for commands")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/flowfwctl_history"
}

// watchContext is cancelled by Ctrl-C so that watch returns to the shell.
func watchContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("status"),
	readline.PcItem("stats"),
	readline.PcItem("table"),
	readline.PcItem("rule"),
	readline.PcItem("conns",
		readline.PcItem("flush"),
		readline.PcItem("limit"),
	),
	readline.PcItem("export"),
	readline.PcItem("reload"),
	readline.PcItem("watch",
		readline.PcItem("RULE_MATCH"),
		readline.PcItem("BLOCK"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)
