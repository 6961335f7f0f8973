package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	workspace string
	debugMode bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "codeforge - self-assembling code execution kernel",
	Long: `codeforge turns natural-language requests into tested Python nodes.

Each request is classified, matched against previously solved work, and
either replayed from the artifact store or decomposed, synthesized,
tested and repaired into new registered nodes. Solved workflows are
promoted so the next identical request is a cache hit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace root (holds .forge/)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(toolCallCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
