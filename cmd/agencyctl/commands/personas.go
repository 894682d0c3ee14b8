package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the persona catalog",
	Long: `List every persona the engine can run, either the builtin set or the
personas loaded from personas_dir in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		personas, err := h.Catalog().LoadAllPersonaDefinitions(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		if IsVerbose() {
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tCAPABILITIES\tDESCRIPTION")
		} else {
			fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
		}
		for _, p := range personas {
			if IsVerbose() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Version, strings.Join(p.Capabilities, ","), p.Description)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(personasCmd)
}
