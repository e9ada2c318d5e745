package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/models"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage authentication plugins",
}

var pluginAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an authentication plugin",
	Example: `  tresor plugin add --title "Master password" --kind password
  tresor plugin add --title "Key file" --kind keyfile`,
	RunE: runPluginAdd,
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authentication plugins",
	RunE:  runPluginList,
}

var (
	pluginTitle       string
	pluginKind        string
	pluginDescription string
)

func init() {
	rootCmd.AddCommand(pluginCmd)
	pluginCmd.AddCommand(pluginAddCmd, pluginListCmd)

	pluginAddCmd.Flags().StringVar(&pluginTitle, "title", "", "Plugin title (required)")
	pluginAddCmd.Flags().StringVar(&pluginKind, "kind", "password", "Plugin kind: password, keyfile, totp")
	pluginAddCmd.Flags().StringVar(&pluginDescription, "description", "", "Description")
	_ = pluginAddCmd.MarkFlagRequired("title")
}

func runPluginAdd(cmd *cobra.Command, _ []string) error {
	p, err := tresor.Auth.CreatePlugin(cmd.Context(), &models.AuthPlugin{
		Title:       pluginTitle,
		Description: pluginDescription,
		Kind:        pluginKind,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(p.Descriptor())
		return nil
	}
	printSuccess("Created plugin %d (%s)", p.ID(), p.Kind())
	return nil
}

func runPluginList(cmd *cobra.Command, _ []string) error {
	plugins, err := tresor.Auth.Plugins(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		out := make([]*models.AuthPlugin, 0, len(plugins))
		for _, p := range plugins {
			out = append(out, p.Descriptor())
		}
		printJSON(out)
		return nil
	}

	if len(plugins) == 0 {
		printInfo("No plugins")
		return nil
	}
	for _, p := range plugins {
		d := p.Descriptor()
		printInfo("%4d  %-10s %s", d.ID, d.Kind, d.Title)
	}
	return nil
}
