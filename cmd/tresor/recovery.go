package main

import (
	"github.com/spf13/cobra"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Manage recovery codes",
}

var recoveryCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Store a credential under a new recovery code",
	Long: `Create checks the credential for a plugin and stores it encrypted under a
fresh recovery code. The code is shown once; write it down.`,
	RunE: runRecoveryCreate,
}

var recoveryRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Recover a forgotten credential and set a new one",
	RunE:  runRecoveryRestore,
}

var recoveryPlugin int64

func init() {
	rootCmd.AddCommand(recoveryCmd)
	recoveryCmd.AddCommand(recoveryCreateCmd, recoveryRestoreCmd)
	recoveryCmd.PersistentFlags().Int64VarP(&recoveryPlugin, "plugin", "p", 0, "Plugin id (required)")
}

func runRecoveryCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	p, err := pluginByID(ctx, recoveryPlugin)
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

	if _, err := tresor.Recovery.CreateEntry(ctx, actor, p.ID(), info); err != nil {
		return err
	}
	data, ok, err := tresor.Recovery.GetRecoveryDataFromSession(ctx, actor, p.ID())
	if err != nil {
		return err
	}
	if !ok {
		printWarning("Recovery entry stored but the code was already shown")
		return nil
	}
	defer data.Code.Destroy()

	if jsonOutput {
		printJSON(map[string]interface{}{
			"plugin_id":  data.PluginID,
			"code":       data.Code.Expose(),
			"created_at": data.CreatedAt,
		})
		return nil
	}
	printSuccess("Recovery code for %s:", p.Descriptor().Title)
	printInfo("\n    %s\n", data.Code.Expose())
	printWarning("This code is not shown again")
	return nil
}

func runRecoveryRestore(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	p, err := pluginByID(ctx, recoveryPlugin)
	if err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if cfg.Recovery.RequireToken {
		if err := tresor.Recovery.SendToken(ctx, actor, p.ID()); err != nil {
			return err
		}
		token, err := promptLine("Token sent, enter it: ")
		if err != nil {
			return err
		}
		if err := tresor.Recovery.ConfirmToken(ctx, actor, p.ID(), token); err != nil {
			return err
		}
	}

	code, err := promptPassword("Recovery code: ")
	if err != nil {
		return err
	}
	defer code.Destroy()

	old, err := tresor.Recovery.RecoverEntry(ctx, actor, p.ID(), code)
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
	printSuccess("%s changed; create a new recovery code", p.Descriptor().Title)
	return nil
}
