// collabctl joins a document through the gateway from a terminal. Every
// line read from stdin replaces the document content; lines starting with a
// slash are commands (see /help).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/content"
	"chronicle/collab/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	var gatewayURL, documentID string
	var identity transport.Identity
	var draft bool

	flagSet := pflag.NewFlagSet("collabctl", pflag.ContinueOnError)
	flagSet.StringVar(&gatewayURL, "gateway", "http://localhost"+cfg.Addr, "gateway base URL")
	flagSet.StringVarP(&documentID, "document", "d", "", "document id to join")
	flagSet.StringVarP(&identity.UserID, "user", "u", os.Getenv("USER"), "user id")
	flagSet.StringVar(&identity.DisplayName, "name", "", "display name (default: user id)")
	flagSet.StringVar(&identity.Role, "role", "editor", "role: viewer, commenter, editor or admin")
	flagSet.StringVar(&identity.AvatarRef, "avatar", "", "avatar reference")
	flagSet.BoolVar(&draft, "draft", false, "do not persist content changes")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if documentID == "" {
		return errors.New("--document is required")
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}

	ws, err := transport.NewWebSocket(gatewayURL, identity)
	if err != nil {
		return err
	}
	defer ws.Close()

	coordinator, err := collab.New(identity, ws, content.NewClient(gatewayURL, identity), collab.Options{
		SaveDelay:         cfg.SaveDelay,
		TypingTimeout:     cfg.TypingTimeout,
		CursorInterval:    cfg.CursorInterval,
		SaveTimeout:       cfg.SaveTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.JoinDocument(ctx, documentID); err != nil {
		return fmt.Errorf("join %s: %w", documentID, err)
	}
	if !draft {
		if err := coordinator.SetSaveEligible(documentID, true); err != nil {
			fmt.Fprintf(os.Stderr, "saving disabled: %v\n", err)
		}
	}
	if err := watch(ctx, coordinator, documentID); err != nil {
		return err
	}
	fmt.Printf("joined %s as %s (%s)\n", documentID, identity.UserID, coordinator.Self().Role)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var current string
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if cmd.kind == cmdEdit {
				current = cmd.text
			}
			quit, err := cmd.apply(ctx, coordinator, documentID, current)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			if quit {
				coordinator.LeaveDocument(documentID)
				return nil
			}
		}
	}
}

// watch prints presence, typing and save status changes until ctx ends.
func watch(ctx context.Context, c *collab.Coordinator, documentID string) error {
	presence, stopPresence, err := c.SubscribePresence(documentID)
	if err != nil {
		return err
	}
	typing, stopTyping, err := c.SubscribeTyping(documentID)
	if err != nil {
		stopPresence()
		return err
	}
	saves, stopSaves, err := c.SubscribeSaveStatus(documentID)
	if err != nil {
		stopPresence()
		stopTyping()
		return err
	}

	go func() {
		defer stopPresence()
		defer stopTyping()
		defer stopSaves()
		for {
			select {
			case <-ctx.Done():
				return
			case list, ok := <-presence:
				if !ok {
					return
				}
				fmt.Printf("* present: %s\n", describePresence(list))
			case users, ok := <-typing:
				if !ok {
					return
				}
				if len(users) > 0 {
					fmt.Printf("* typing: %s\n", strings.Join(users, ", "))
				}
			case status, ok := <-saves:
				if !ok {
					return
				}
				fmt.Printf("* save: %s\n", describeStatus(status))
			}
		}
	}()
	return nil
}
