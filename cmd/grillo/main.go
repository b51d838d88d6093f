package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/grillo/pkg/chatstore"
	"github.com/go-go-golems/grillo/pkg/chatstore/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "grillo",
	Short: "Versioned, branchable chat history store",
	Long: `grillo persists multi-turn conversations as a branchable message
history: rewriting a prior turn forks a new timeline instead of losing the
original, and full-text search works per conversation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger(viper.GetString("log-level"))
	},
}

func initLogger(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

func openStore() (chatstore.Store, error) {
	return sqlite.New(viper.GetString("db"))
}

func main() {
	rootCmd.PersistentFlags().String("db", "grillo.db", "Path to the SQLite database")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Print store events as they happen")

	for _, flag := range []string{"db", "log-level", "verbose"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("GRILLO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newAppendCommand(),
		newShowCommand(),
		newBranchesCommand(),
		newSwitchCommand(),
		newSearchCommand(),
		newDeleteCommand(),
		newImportCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
