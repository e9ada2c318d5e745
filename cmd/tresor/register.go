package main

import (
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the acting user with a plugin",
	Long: `Register creates the user's key pair for a plugin. The private key is
encrypted under a key derived from the credential.`,
	Example: `  tresor register --user 1 --plugin 1`,
	RunE:    runRegister,
}

var passwdCmd = &cobra.Command{
	Use:     "passwd",
	Short:   "Change the credential of a plugin",
	Example: `  tresor passwd --user 1 --plugin 1`,
	RunE:    runPasswd,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the key pair of a plugin",
	Long: `Rotate generates a new key pair, rewraps every secret and group share
sealed to the old one and then drops it. If rewrapping is interrupted,
run "tresor secret reencrypt" to finish.`,
	Example: `  tresor rotate --user 1 --plugin 1`,
	RunE:    runRotate,
}

var credPlugin int64

func init() {
	for _, c := range []*cobra.Command{registerCmd, passwdCmd, rotateCmd} {
		rootCmd.AddCommand(c)
		c.Flags().Int64VarP(&credPlugin, "plugin", "p", 0, "Plugin id (required)")
		_ = c.MarkFlagRequired("plugin")
	}
}

func runRegister(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	p, err := pluginByID(ctx, credPlugin)
	if err != nil {
		return err
	}
	if _, err := tresor.Directory.User(ctx, userID); err != nil {
		return err
	}

	info, err := promptNew(p)
	if err != nil {
		return err
	}
	defer info.Destroy()

	if _, err := p.Register(ctx, userID, info); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "user_id": userID, "plugin_id": p.ID()})
		return nil
	}
	printSuccess("Registered user %d with %s", userID, p.Descriptor().Title)
	return nil
}

func runPasswd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	p, err := pluginByID(ctx, credPlugin)
	if err != nil {
		return err
	}

	old, err := readCredential(p, "current ")
	if err != nil {
		return err
	}
	defer old.Destroy()
	fresh, err := promptNew(p)
	if err != nil {
		return err
	}
	defer fresh.Destroy()

	if err := p.ChangeAuthenticationInformation(ctx, userID, old, fresh); err != nil {
		return err
	}
	printSuccess("Changed credential for %s", p.Descriptor().Title)
	return nil
}

func runRotate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	p, err := pluginByID(ctx, credPlugin)
	if err != nil {
		return err
	}

	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	info, err := readCredential(p, "")
	if err != nil {
		return err
	}
	defer info.Destroy()
	// Wrappers layer every plugin of a class, so all pairs are needed.
	if err := loginAll(ctx, actor, p.ID()); err != nil {
		return err
	}

	// RotateKeyPair checks info itself; a one-time code is only good once.
	if _, err := p.RotateKeyPair(ctx, actor, info); err != nil {
		return err
	}
	return finishRotation(cmd, actor)
}
