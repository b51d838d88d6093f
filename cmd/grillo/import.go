package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grillo/pkg/chatstore"
	"github.com/go-go-golems/grillo/pkg/session"
)

// transcriptTurn is one entry of an imported transcript file.
type transcriptTurn struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func newImportCommand() *cobra.Command {
	var (
		userID    string
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import JSON transcript files, one chat per file",
		Long: `Each file holds a JSON array of {"name", "text"} turns and becomes its
own chat, named after the file. Files are imported concurrently; turns
within a file are committed in order, in batches.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			g, gctx := errgroup.WithContext(ctx)
			// Each file gets its own session; sessions on different chats
			// are fully independent.
			for _, path := range args {
				path := path
				g.Go(func() error {
					return importFile(gctx, store, path, userID, batchSize)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Printf("imported %d file(s)\n", len(args))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "Fragments committed per batch")

	return cmd
}

func importFile(ctx context.Context, store chatstore.Store, path string, userID string, batchSize int) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}

	var turns []transcriptTurn
	if err := json.Unmarshal(b, &turns); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}

	chatID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s, err := session.New(ctx, store, chatID, userID)
	if err != nil {
		return errors.Wrapf(err, "open session for %s", chatID)
	}

	for _, turn := range turns {
		if turn.Name == "assistant" {
			s.Set(session.NewAssistantFragment(turn.Text))
		} else {
			s.Set(session.NewUserFragment(turn.Text))
		}
	}
	if err := s.SaveBatched(ctx, batchSize); err != nil {
		return errors.Wrapf(err, "import %s", chatID)
	}

	log.Info().
		Str("chat_id", chatID).
		Int("turns", len(turns)).
		Msg("imported transcript")
	return nil
}
