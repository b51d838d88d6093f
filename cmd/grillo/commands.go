package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/render"
	"github.com/go-go-golems/grillo/pkg/session"
)

const eventTopic = "grillo.store"

// withEvents wires a watermill event router when --verbose is set, dumping
// every store event to stdout. The returned cleanup stops the router.
func withEvents(ctx context.Context) (*events.Publisher, func(), error) {
	if !viper.GetBool("verbose") {
		return nil, func() {}, nil
	}

	router, err := events.NewEventRouter()
	if err != nil {
		return nil, nil, err
	}
	router.AddHandler("dump", eventTopic, func(msg *message.Message) error {
		defer msg.Ack()
		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		b, _ := json.Marshal(e)
		fmt.Println(string(b))
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = router.Run(runCtx)
	}()
	<-router.Running()

	cleanup := func() {
		cancel()
		_ = router.Close()
	}
	return events.NewPublisher(router.Publisher, eventTopic), cleanup, nil
}

func sessionOptions(publisher *events.Publisher, overwrite bool) []session.Option {
	options := []session.Option{session.WithPublisher(publisher)}
	if overwrite {
		options = append(options, session.WithCommitMode(session.CommitModeOverwriteInPlace))
	}
	return options
}

func newAppendCommand() *cobra.Command {
	var (
		chatID      string
		userID      string
		role        string
		replaceLast bool
		overwrite   bool
	)

	cmd := &cobra.Command{
		Use:   "append [text]",
		Short: "Append a turn to a chat (or replace the last one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			publisher, cleanup, err := withEvents(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			s, err := session.New(ctx, store, chatID, userID, sessionOptions(publisher, overwrite)...)
			if err != nil {
				return err
			}

			switch {
			case replaceLast:
				s.Set(session.NewReplaceHeadFragment(args[0]))
			case role == "assistant":
				s.Set(session.NewAssistantFragment(args[0]))
			case role == "user":
				s.Set(session.NewUserFragment(args[0]))
			default:
				return errors.Errorf("unknown role %q", role)
			}

			if err := s.Save(ctx); err != nil {
				return err
			}
			fmt.Printf("committed on branch %s (tip %s)\n", s.Branch(), s.Tip())
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id")
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&role, "role", "user", "Turn role (user or assistant)")
	cmd.Flags().BoolVar(&replaceLast, "replace-last", false, "Replace the current branch head instead of appending")
	cmd.Flags().BoolVar(&overwrite, "overwrite-in-place", false, "Overwrite the head in place instead of forking on divergence")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newShowCommand() *cobra.Command {
	var (
		chatID string
		format string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Render the active branch as a transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			s, err := session.New(ctx, store, chatID, "")
			if err != nil {
				return err
			}

			var renderer session.Renderer
			switch format {
			case "plain":
				renderer = render.Plain{}
			case "yaml":
				renderer = render.YAML{}
			default:
				return errors.Errorf("unknown format %q", format)
			}

			out, err := s.Resolve(ctx, renderer, false)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id")
	cmd.Flags().StringVar(&format, "format", "plain", "Output format (plain or yaml)")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newBranchesCommand() *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List a chat's branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			branches, err := store.ListBranches(ctx, chatID)
			if err != nil {
				return err
			}
			active, err := store.GetActiveBranch(ctx, chatID)
			if err != nil {
				return err
			}

			for _, b := range branches {
				marker := " "
				if b.Name == active.Name {
					marker = "*"
				}
				fmt.Printf("%s %s\t%s\n", marker, b.Name, b.HeadMessageID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newSwitchCommand() *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "switch [branch]",
		Short: "Switch a chat's active branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			if err := store.SwitchActiveBranch(ctx, chatID, args[0]); err != nil {
				return err
			}
			fmt.Printf("switched %s to branch %s\n", chatID, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newSearchCommand() *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search within one chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			matches, err := store.SearchMessages(ctx, chatID, args[0])
			if err != nil {
				return err
			}
			for _, m := range matches {
				fmt.Printf("%s\t%s\n", m.MessageID, m.Snippet)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a chat and everything it owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			publisher, cleanup, err := withEvents(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			s, err := session.New(ctx, store, chatID, "", session.WithPublisher(publisher))
			if err != nil {
				return err
			}
			if err := s.DeleteChat(ctx); err != nil {
				return err
			}
			fmt.Printf("deleted chat %s\n", chatID)
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}
