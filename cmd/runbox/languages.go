package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the languages the server can build",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		langs, err := cfg.Languages()
		if err != nil {
			return err
		}

		fmt.Printf("%-8s %-20s %-10s %s\n", "NAME", "IMAGE", "SOURCE", "BUILD")
		fmt.Println(strings.Repeat("─", 70))
		for _, name := range langs.Names() {
			l := langs[name]
			marker := ""
			if name == cfg.Sandbox.DefaultLanguage {
				marker = " (default)"
			}
			fmt.Printf("%-8s %-20s %-10s %s%s\n", name, l.Image, l.Source, strings.Join(l.Build, " "), marker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
