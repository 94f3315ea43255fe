package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jlaneve/jute/kernelspec"
)

var watchSpecs bool

// specsCmd lists installed kernel specs
var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "List installed kernel specs",
	Long: `Lists the kernel specs found on the search path. A spec installed in an
earlier path hides one of the same name in a later path.

With --watch the list is printed again whenever a spec is added, changed or
removed.`,
	Args: cobra.NoArgs,
	RunE: listSpecs,
}

func init() {
	specsCmd.Flags().BoolVarP(&watchSpecs, "watch", "w", false, "Print the list again on every change")
}

func listSpecs(cmd *cobra.Command, args []string) error {
	kc := cfg.KernelConfig().WithDefaults()
	catalog := kernelspec.NewCatalog(kc.SpecPaths...).WithLogger(logger)

	if !watchSpecs {
		specs, err := catalog.List()
		if err != nil {
			return err
		}
		return printSpecs(cmd.OutOrStdout(), specs)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	first := true
	for specs := range catalog.Watch(ctx) {
		if !first {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		first = false
		if err := printSpecs(cmd.OutOrStdout(), specs); err != nil {
			return err
		}
	}
	return nil
}

func printSpecs(w io.Writer, specs []*kernelspec.Spec) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tLANGUAGE\tINTERRUPT\tPATH")
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.DisplayName, s.Language, s.Interrupts(), s.ResourceDir)
	}
	return tw.Flush()
}
