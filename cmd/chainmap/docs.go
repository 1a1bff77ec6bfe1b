package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsCmd = &cobra.Command{
	Use:    "gen-docs",
	Short:  "Generate man pages or markdown for chainmap",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("dir")       //nolint:errcheck // flag name is hardcoded
		format, _ := cmd.Flags().GetString("format") //nolint:errcheck // flag name is hardcoded
		return genDocs(cmd.Root(), dir, format)
	},
}

func init() {
	docsCmd.Flags().String("dir", "docs", "output directory")
	docsCmd.Flags().String("format", "man", "output format (man or markdown)")
}

// genDocs writes one page per visible command of root into dir.
func genDocs(root *cobra.Command, dir, format string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	root.DisableAutoGenTag = true

	switch format {
	case "man":
		// Mapping attaches block devices, so the pages belong in section 8.
		now := time.Now()
		return doc.GenManTree(root, &doc.GenManHeader{
			Title:   "CHAINMAP",
			Section: "8",
			Date:    &now,
			Source:  "chainmap " + version,
			Manual:  "System Administration",
		}, dir)
	case "markdown":
		return doc.GenMarkdownTree(root, dir)
	default:
		return fmt.Errorf("unknown format %q (use man or markdown)", format)
	}
}
