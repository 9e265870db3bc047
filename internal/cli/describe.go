package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lemon07r/webgauge/internal/action"
	"github.com/lemon07r/webgauge/internal/observation"
	"github.com/lemon07r/webgauge/internal/protocol"
)

var describeJSON bool

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show the action protocol a participant sees",
	Long: `Prints the describe result of the action protocol: operations, action
types with their required fields, aliases, benchmarks and enforced limits,
followed by the observation profile of each benchmark.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := newRunner().ServerOptions(nil)
		if err != nil {
			return err
		}
		desc := protocol.NewServer(opts).Describe()

		if describeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(desc)
		}

		fmt.Printf("%s %s\n\n", desc.Name, desc.Version)
		fmt.Printf("Operations: %s\n", strings.Join(desc.Operations, ", "))
		fmt.Printf("Limits:     max_batch=%d max_tool_calls=%d action_timeout=%.0fms\n\n",
			desc.Limits.MaxBatch, desc.Limits.MaxToolCalls, desc.Limits.ActionTimeoutMs)

		fmt.Println("Actions:")
		fmt.Print(indent(action.Describe(), "  "))
		fmt.Println()

		aliases := make([]string, 0, len(desc.Aliases))
		for from, to := range desc.Aliases {
			aliases = append(aliases, from+" -> "+to)
		}
		sort.Strings(aliases)
		fmt.Printf("Aliases: %s\n\n", strings.Join(aliases, ", "))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BENCHMARK\tNAME\tTOKENS\tMODE")
		fmt.Fprintln(w, "---------\t----\t------\t----")
		for _, b := range desc.Benchmarks {
			p := observation.ProfileFor(b)
			limit := p.TokenLimit
			if v := cfg.Benchmarks[b].TokenLimit; v > 0 {
				limit = v
			}
			mode := p.Mode
			if opts.ObservationMode != "" {
				mode = opts.ObservationMode
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", b, p.DisplayName, limit, mode)
		}
		return w.Flush()
	},
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString(prefix + l)
	}
	return b.String()
}

func init() {
	describeCmd.Flags().BoolVar(&describeJSON, "json", false, "output as JSON")
}
