package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"madera-chat/internal/widget"
)

const chatUsage = `Usage:
  madera-chat chat [--url <endpoint>] [--segment <label>] [--timeout <duration>]

Flags:
  --url      string     Chat endpoint (default "http://127.0.0.1:8080/api/chat")
  --segment  string     Lead segment sent with every message (default "unknown")
  --timeout  duration   Per-message timeout (default 30s)

Type a message and press Enter. /reset clears the history, /quit exits.`

func chatREPL(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var endpoint, segment string
	var timeout time.Duration
	fs.StringVar(&endpoint, "url", "http://127.0.0.1:8080/api/chat", "chat endpoint")
	fs.StringVar(&segment, "segment", "unknown", "lead segment")
	fs.DurationVar(&timeout, "timeout", widget.DefaultTimeout, "per-message timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	w := widget.New(
		widget.NewTerminalSurface(os.Stdout),
		widget.NewClient(endpoint, segment, nil),
		widget.Options{Timeout: timeout},
	)
	if w.Inert() {
		return errors.New("chat widget could not start")
	}

	w.Open()
	defer w.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit", "/exit":
				return nil
			case "/reset":
				w.Session().Reset()
				fmt.Println("история очищена")
				continue
			}
			w.Submit(ctx, line)
		}
	}
}
