package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var conversationsQuery string

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List or search saved conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list := a.directory.List()
		if conversationsQuery != "" {
			list = a.directory.Search(conversationsQuery)
		}
		out := cmd.OutOrStdout()
		for _, c := range list {
			pin := " "
			if c.Pinned() {
				pin = "*"
			}
			fmt.Fprintf(out, "%s %s  %s  %s\n", pin, c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().StringVarP(&conversationsQuery, "query", "q", "", "Fuzzy title search")
}
