package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proxchat/internal/chat"
	"proxchat/internal/logging"
	"proxchat/internal/transport"
)

func main() {
	cfg, err := chat.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	busURL := flag.String("bus", cfg.BusURL, "bus WebSocket URL")
	name := flag.String("session", "", "session name to host or join")
	handle := flag.String("handle", cfg.Handle, "display name")
	host := flag.Bool("host", false, "host the session instead of joining it")
	list := flag.Bool("list", false, "list advertised sessions and exit")
	logLevel := flag.String("log-level", "warn", "log level")
	noColor := flag.Bool("no-color", false, "disable colored output")
	flag.Parse()

	cfg.BusURL = *busURL
	cfg.Handle = *handle

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := newPrinter(os.Stdout, !*noColor)
	s := chat.NewSession(cfg, transport.NewWebSocket(cfg.BusURL, logger), logger)
	s.RegisterDataCallback(out)
	s.RegisterControlCallback(out)

	if err := s.Connect(ctx); err != nil {
		out.fail(err)
		os.Exit(1)
	}
	defer s.Disconnect()

	if *list {
		// Give the bus a moment to report existing names.
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		out.sessions(s.Discovered())
		return
	}

	if *name == "" {
		out.fail(fmt.Errorf("-session is required"))
		os.Exit(2)
	}

	if *host {
		err = s.StartChat(ctx, *name)
	} else {
		err = s.JoinChat(ctx, *name)
	}
	if err != nil {
		out.fail(err)
		os.Exit(1)
	}
	out.info("%s %q as %s; /list, /leave and /quit are available", s.State(), *name, cfg.Handle)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, s, out, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handleLine runs a command or sends a chat line. It returns false when the user quits.
func handleLine(ctx context.Context, s *chat.Session, out *printer, line string) bool {
	switch line {
	case "/quit":
		return false
	case "/list":
		out.sessions(s.Discovered())
	case "/leave":
		if err := s.LeaveChat(ctx); err != nil {
			out.fail(err)
		}
	default:
		if err := s.Send(ctx, line); err != nil {
			out.fail(err)
		}
	}
	return true
}
