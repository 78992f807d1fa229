package main

import (
	"github.com/spf13/cobra"

	"github.com/vango-dev/collab/internal/config"
)

func setCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		flags  clientFlags
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "set <document> <key> [value]",
		Short: "Set or delete a document entry",
		Long: `Connect to a document, wait for it to sync and write one entry.

The update is broadcast to every peer editing the document.

Examples:
  collab set notes title "Meeting notes"
  collab set notes draft --delete`,
		Args: func(cmd *cobra.Command, args []string) error {
			if remove {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			s, doc, err := openDocument(cmd.Context(), cfg, &flags, args[0], logger)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if remove {
				doc.Delete(args[1])
				success(out, "Deleted %s from %s", args[1], args[0])
				return nil
			}
			doc.Set(args[1], []byte(args[2]))
			success(out, "Set %s in %s", args[1], args[0])
			info(out, "%d entries", doc.Len())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&remove, "delete", "d", false, "Delete the key instead of setting it")
	return cmd
}
