package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gopherchat/internal/catalog"
)

func init() {
	rootCmd.AddCommand(modelsCmd, toolsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loadConfig())

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tNAME\tCONTEXT\tMAX OUT\t$/1K IN\t$/1K OUT\tTOOLS")
		for _, m := range a.catalog.Models() {
			maxOut := "-"
			if m.MaxOutputTokens > 0 {
				maxOut = fmt.Sprint(m.MaxOutputTokens)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.5f\t%.5f\t%s\n",
				catalog.Key(m), m.DisplayName, m.ContextLength, maxOut,
				m.Pricing.SentPer1K, m.Pricing.ReceivedPer1K, yesNo(m.FunctionCalling))
		}
		return w.Flush()
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools available with the current credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a := newApp(cfg)
		enabled := map[string]bool{}
		for _, n := range cfg.Defaults.EnabledTools {
			enabled[n] = true
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tENABLED\tREQUIRED ARGS\tDESCRIPTION")
		for _, d := range a.registry.ListAvailable(nil) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, yesNo(enabled[d.Name]), strings.Join(d.Required, ","), d.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		for _, name := range a.registry.Names() {
			if _, err := a.registry.Get(name); err != nil {
				fmt.Fprintf(os.Stderr, "%s unavailable: %v\n", name, err)
			}
		}
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
