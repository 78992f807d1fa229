package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collab/internal/config"
	"github.com/vango-dev/collab/internal/errors"
)

func getCmd(load func() (*config.Config, error)) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "get <document> [key]",
		Short: "Print a document",
		Long: `Connect to a document, wait for it to sync and print its entries.

With a key, only that entry's value is printed.

Examples:
  collab get notes
  collab get notes title --server=http://relay:7420`,
		Args: cobra.RangeArgs(1, 2),
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
			if len(args) == 2 {
				value, ok := doc.Get(args[1])
				if !ok {
					return errors.New("E402").WithDetailf("%s in %s", args[1], args[0])
				}
				fmt.Fprintln(out, string(value))
				return nil
			}

			entries := doc.Snapshot()
			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s=%s\n", k, entries[k])
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
