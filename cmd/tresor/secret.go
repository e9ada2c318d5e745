package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/services/passwords"
)

var secretCmd = &cobra.Command{
	Use:     "secret",
	Aliases: []string{"pw"},
	Short:   "Manage secrets",
}

var secretAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a new secret",
	Example: `  tresor secret add --user 1 --class 1 --title mail
  tresor secret add --user 1 --class 2 --title deploy-key --group 100 --cosigner 2`,
	RunE: runSecretAdd,
}

var secretShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Decrypt and print a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretShow,
}

var secretShareCmd = &cobra.Command{
	Use:   "share <id>",
	Short: "Grant or revoke access to a secret",
	Example: `  tresor secret share 7 --user 1 --with-user 2
  tresor secret share 7 --user 1 --with-group 100
  tresor secret share 7 --user 1 --with-user 2 --revoke`,
	Args: cobra.ExactArgs(1),
	RunE: runSecretShare,
}

var secretRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a secret and every access to it",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretRm,
}

var secretLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the secrets the acting user can reach",
	RunE:  runSecretLs,
}

var secretReencryptCmd = &cobra.Command{
	Use:   "reencrypt",
	Short: "Rewrap secrets and group shares to the current key pairs",
	Long: `Reencrypt finishes a key pair rotation. It is safe to run again: rows
already sealed to the current keys are skipped.`,
	RunE: runSecretReencrypt,
}

var (
	secretClass       int64
	secretTitle       string
	secretDescription string
	secretType        string
	secretGroup       int64
	secretShareWith   []int64
	secretCosigners   []int64
	secretWithUser    int64
	secretWithGroup   int64
	secretRevoke      bool
)

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretAddCmd, secretShowCmd, secretShareCmd, secretRmCmd, secretLsCmd, secretReencryptCmd)

	secretAddCmd.Flags().Int64Var(&secretClass, "class", 0, "Security class id (required)")
	secretAddCmd.Flags().StringVar(&secretTitle, "title", "", "Title (required)")
	secretAddCmd.Flags().StringVar(&secretDescription, "description", "", "Description")
	secretAddCmd.Flags().StringVar(&secretType, "type", "password", "Data type")
	secretAddCmd.Flags().Int64SliceVar(&secretShareWith, "share", nil, "Further user ids to share with")
	_ = secretAddCmd.MarkFlagRequired("class")
	_ = secretAddCmd.MarkFlagRequired("title")

	for _, c := range []*cobra.Command{secretAddCmd, secretShowCmd, secretShareCmd} {
		c.Flags().Int64Var(&secretGroup, "group", 0, "Group that owns or grants the secret")
		c.Flags().Int64SliceVar(&secretCosigners, "cosigner", nil, "Group members that help unlock the group key")
	}

	secretShareCmd.Flags().Int64Var(&secretWithUser, "with-user", 0, "User to share with")
	secretShareCmd.Flags().Int64Var(&secretWithGroup, "with-group", 0, "Group to share with")
	secretShareCmd.Flags().BoolVar(&secretRevoke, "revoke", false, "Revoke instead of grant")
	secretShareCmd.MarkFlagsOneRequired("with-user", "with-group")
	secretShareCmd.MarkFlagsMutuallyExclusive("with-user", "with-group")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, &models.PolicyError{Reason: fmt.Sprintf("invalid id %q", s)}
	}
	return id, nil
}

// groupLogin unlocks the acting user's membership factors for groupID and
// authenticates the requested cosigners.
func groupLogin(ctx context.Context, actor *auth.Actor, groupID int64) ([]*actors.CryptoUser, func(), error) {
	if groupID == 0 {
		return nil, func() {}, nil
	}
	g, err := tresor.Actors.Group(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if err := login(ctx, actor, g.MembershipClassID()); err != nil {
		return nil, nil, err
	}
	return cosigners(ctx, secretCosigners, g.MembershipClassID())
}

func runSecretAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if err := login(ctx, actor, secretClass); err != nil {
		return err
	}

	req := &passwords.CreateRequest{
		OwnerID:         userID,
		OwnerType:       models.OwnerUser,
		SecurityClassID: secretClass,
		Title:           secretTitle,
		Description:     secretDescription,
		DataType:        secretType,
		ShareWith:       secretShareWith,
	}
	if secretGroup != 0 {
		req.OwnerID = secretGroup
		req.OwnerType = models.OwnerGroup
	}

	payload, err := promptPassword("Secret: ")
	if err != nil {
		return err
	}
	defer payload.Destroy()
	req.Payload = payload

	p, err := tresor.Passwords.Create(ctx, actor, req)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(p)
		return nil
	}
	printSuccess("Stored secret %d (%s)", p.ID, p.Title)
	return nil
}

func runSecretShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	meta, err := tresor.Passwords.Load(ctx, id)
	if err != nil {
		return err
	}

	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if err := login(ctx, actor, meta.SecurityClassID); err != nil {
		return err
	}
	groupID := secretGroup
	if meta.OwnerType == models.OwnerGroup && groupID == 0 {
		groupID = meta.OwnerID
	}
	helpers, done, err := groupLogin(ctx, actor, groupID)
	if err != nil {
		return err
	}
	defer done()

	p, payload, err := tresor.Passwords.Get(ctx, actor, id, helpers...)
	if err != nil {
		return err
	}
	defer payload.Destroy()

	if jsonOutput {
		printJSON(map[string]interface{}{
			"id":          p.ID,
			"title":       p.Title,
			"description": p.Description,
			"data_type":   p.DataType,
			"payload":     payload.Expose(),
		})
		return nil
	}
	printInfo("%s", p.Title)
	if p.Description != "" {
		printInfo("%s", p.Description)
	}
	fmt.Println(payload.Expose())
	return nil
}

func runSecretShare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	meta, err := tresor.Passwords.Load(ctx, id)
	if err != nil {
		return err
	}

	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if err := login(ctx, actor, meta.SecurityClassID); err != nil {
		return err
	}

	if secretRevoke {
		if secretWithUser != 0 {
			err = tresor.Passwords.UnshareUser(ctx, actor, id, secretWithUser)
		} else {
			err = tresor.Passwords.UnshareGroup(ctx, actor, id, secretWithGroup)
		}
		if err != nil {
			return err
		}
		printSuccess("Revoked access to secret %d", id)
		return nil
	}

	groupID := secretGroup
	if meta.OwnerType == models.OwnerGroup {
		groupID = meta.OwnerID
	}
	helpers, done, err := groupLogin(ctx, actor, groupID)
	if err != nil {
		return err
	}
	defer done()

	if secretWithUser != 0 {
		err = tresor.Passwords.ShareWithUser(ctx, actor, id, secretWithUser, helpers...)
	} else {
		err = tresor.Passwords.ShareWithGroup(ctx, actor, id, secretWithGroup, helpers...)
	}
	if err != nil {
		return err
	}
	printSuccess("Shared secret %d", id)
	return nil
}

func runSecretRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	meta, err := tresor.Passwords.Load(ctx, id)
	if err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if err := login(ctx, actor, meta.SecurityClassID); err != nil {
		return err
	}
	if err := tresor.Passwords.Delete(ctx, actor, id); err != nil {
		return err
	}
	printSuccess("Deleted secret %d", id)
	return nil
}

func runSecretLs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	entries, err := tresor.Passwords.List(ctx, actor)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(entries)
		return nil
	}
	if len(entries) == 0 {
		printInfo("No secrets")
		return nil
	}
	for _, e := range entries {
		via := "direct"
		if e.ActorType == models.OwnerGroup {
			via = "group " + formatID(e.ActorID)
		}
		printInfo("%6d  %-30s %-12s %s", e.PasswordID, e.Title, e.DataType, via)
	}
	return nil
}

func runSecretReencrypt(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if err := loginAll(ctx, actor); err != nil {
		return err
	}
	return finishRotation(cmd, actor)
}

// finishRotation rewraps everything sealed to retired key pairs and
// drops those pairs once nothing is left behind.
func finishRotation(cmd *cobra.Command, actor *auth.Actor) error {
	ctx := cmd.Context()

	report, err := tresor.Passwords.ReencryptAll(ctx, actor)
	if err != nil {
		return err
	}
	shares, err := tresor.Actors.RewrapShares(ctx, actor)
	if err != nil {
		return err
	}

	if len(report.Failed) == 0 {
		plugins, err := tresor.Auth.Plugins(ctx)
		if err != nil {
			return err
		}
		for _, p := range plugins {
			ok, err := p.IsRegistered(ctx, actor.UserID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := p.ClearRetiredKeyPair(ctx, actor.UserID); err != nil {
				return err
			}
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"rewrapped": report.Rewrapped,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
			"shares":    shares,
		})
		return nil
	}
	printSuccess("Rewrapped %d secrets and %d group shares (%d already current)", report.Rewrapped, shares, report.Skipped)
	if len(report.Failed) > 0 {
		printWarning("%d secrets could not be rewrapped; retired key pairs were kept: %v", len(report.Failed), report.Failed)
	}
	return nil
}
