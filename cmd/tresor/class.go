package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/models"
)

var classCmd = &cobra.Command{
	Use:   "class",
	Short: "Manage security classes",
}

var classAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Add a security class",
	Long:    `A security class is an ordered list of plugins that must all be authenticated.`,
	Example: `  tresor class add --title strong --plugins 1,2`,
	RunE:    runClassAdd,
}

var classListCmd = &cobra.Command{
	Use:   "list",
	Short: "List security classes",
	RunE:  runClassList,
}

var (
	classTitle       string
	classDescription string
	classPlugins     []int64
)

func init() {
	rootCmd.AddCommand(classCmd)
	classCmd.AddCommand(classAddCmd, classListCmd)

	classAddCmd.Flags().StringVar(&classTitle, "title", "", "Class title (required)")
	classAddCmd.Flags().StringVar(&classDescription, "description", "", "Description")
	classAddCmd.Flags().Int64SliceVar(&classPlugins, "plugins", nil, "Plugin ids in order (required)")
	_ = classAddCmd.MarkFlagRequired("title")
	_ = classAddCmd.MarkFlagRequired("plugins")
}

func runClassAdd(cmd *cobra.Command, _ []string) error {
	sc, err := tresor.Auth.CreateSecurityClass(cmd.Context(), &models.SecurityClass{
		Title:       classTitle,
		Description: classDescription,
		PluginIDs:   classPlugins,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(sc.Model())
		return nil
	}
	printSuccess("Created security class %d", sc.ID())
	return nil
}

func runClassList(cmd *cobra.Command, _ []string) error {
	classes, err := tresor.Auth.ListSecurityClasses(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(classes)
		return nil
	}
	for _, c := range classes {
		ids := make([]string, len(c.PluginIDs))
		for i, id := range c.PluginIDs {
			ids[i] = formatID(id)
		}
		printInfo("%4d  %-20s plugins %s", c.ID, c.Title, strings.Join(ids, " > "))
	}
	return nil
}
