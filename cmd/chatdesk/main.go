package main

import (
	"fmt"
	"os"

	"chatdesk/internal/chat"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "chatdesk",
		Short:        "chatdesk - session and message persistence engine",
		Long:         "chatdesk manages multi-session chat threads: durable session/message storage,\nsnapshot export/import, and maintenance of the session list.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", chat.DefaultConfigPath(), "path to config file")

	newEngine := func() (*chat.Engine, error) {
		cfg, err := chat.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		logger := chat.NewLogger(os.Stderr)
		return chat.NewEngine(cfg, nil, logger)
	}

	var filter, tag string
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			for _, sess := range engine.Registry().List(filter, tag) {
				marker := " "
				if sess.Pinned {
					marker = "*"
				}
				fmt.Printf("%s %-36s  %-30s  %d messages  last active %s\n",
					marker, sess.ID, sess.Title, sess.MessageCount,
					sess.LastActiveAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	sessionsCmd.Flags().StringVar(&filter, "filter", "", "substring filter over title/description/tags")
	sessionsCmd.Flags().StringVar(&tag, "tag", "", "exact tag filter")

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export all sessions and messages to a snapshot file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			data, err := engine.Coordinator().ExportSnapshot()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported snapshot to %s\n", args[0])
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a snapshot file into the durable store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Coordinator().ImportSnapshot(data); err != nil {
				return err
			}
			fmt.Printf("imported snapshot from %s\n", args[0])
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete tombstoned sessions and their messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			purged := engine.PurgeDeleted()
			fmt.Printf("purged %d session(s)\n", len(purged))
			return nil
		},
	}

	root.AddCommand(sessionsCmd, exportCmd, importCmd, purgeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
