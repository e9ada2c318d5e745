package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/links"
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage anonymous password links",
}

var linkCreateCmd = &cobra.Command{
	Use:   "create <secret id>",
	Short: "Issue a link that opens a secret without an account",
	Example: `  tresor link create 7 --user 1 --max-calls 1
  tresor link create 7 --user 1 --ttl 24h --access-password`,
	Args: cobra.ExactArgs(1),
	RunE: runLinkCreate,
}

var linkLsCmd = &cobra.Command{
	Use:   "ls <secret id>",
	Short: "List your links for a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinkLs,
}

var linkRmCmd = &cobra.Command{
	Use:   "rm <link id>",
	Short: "Revoke a link",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinkRm,
}

var (
	linkMaxCalls  int
	linkTTL       time.Duration
	linkProtected bool
)

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.AddCommand(linkCreateCmd, linkLsCmd, linkRmCmd)

	linkCreateCmd.Flags().IntVar(&linkMaxCalls, "max-calls", 0, "Number of times the link can be opened")
	linkCreateCmd.Flags().DurationVar(&linkTTL, "ttl", 0, "Lifetime of the link")
	linkCreateCmd.Flags().BoolVar(&linkProtected, "access-password", false, "Prompt for a password the recipient must give")
	linkCreateCmd.Flags().Int64Var(&secretGroup, "group", 0, "Group that grants the secret")
	linkCreateCmd.Flags().Int64SliceVar(&secretCosigners, "cosigner", nil, "Group members that help unlock the group key")
	linkCreateCmd.MarkFlagsOneRequired("max-calls", "ttl")
}

func runLinkCreate(cmd *cobra.Command, args []string) error {
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
	gid := secretGroup
	if meta.OwnerType == models.OwnerGroup {
		gid = meta.OwnerID
	}
	helpers, done, err := groupLogin(ctx, actor, gid)
	if err != nil {
		return err
	}
	defer done()

	req := links.CreateRequest{PasswordID: id, MaxCalls: linkMaxCalls, TTL: linkTTL}
	if linkProtected {
		pw, err := promptPassword("Access password: ")
		if err != nil {
			return err
		}
		defer pw.Destroy()
		req.AccessPassword = pw
	}

	created, err := tresor.Links.Create(ctx, actor, req, helpers...)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"id":         created.Link.ID,
			"url":        created.URL,
			"max_calls":  created.Link.MaxCalls,
			"expires_at": created.Link.ExpiresAt,
		})
		return nil
	}
	printSuccess("Link %s", created.Link.ID)
	printInfo("%s", created.URL)
	printWarning("The URL carries the token and is not shown again")
	return nil
}

func runLinkLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	list, err := tresor.Links.List(ctx, actor, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		out := make([]map[string]interface{}, 0, len(list))
		for _, l := range list {
			out = append(out, map[string]interface{}{
				"id":         l.ID,
				"calls":      l.Calls,
				"max_calls":  l.MaxCalls,
				"expires_at": l.ExpiresAt,
				"protected":  len(l.AccessParams) > 0,
			})
		}
		printJSON(out)
		return nil
	}
	if len(list) == 0 {
		printInfo("No links")
		return nil
	}
	for _, l := range list {
		limit := "unlimited"
		if l.MaxCalls > 0 {
			limit = formatID(int64(l.Calls)) + "/" + formatID(int64(l.MaxCalls))
		}
		expires := "never"
		if !l.ExpiresAt.IsZero() {
			expires = l.ExpiresAt.Local().Format(time.RFC3339)
		}
		printInfo("%s  calls %-10s expires %s", l.ID, limit, expires)
	}
	return nil
}

func runLinkRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	if err := tresor.Links.Delete(ctx, actor, args[0]); err != nil {
		return err
	}
	printSuccess("Revoked link %s", args[0])
	return nil
}
