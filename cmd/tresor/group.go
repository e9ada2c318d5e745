package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/services/actors"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group key state",
	Long: `Groups come from the directory. These commands create the group's
access key and keep member shares in step with the directory.`,
}

var groupCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Issue an access key and shares for a directory group",
	Example: `  tresor group create --group 100 --class 1 --threshold 2`,
	RunE:    runGroupCreate,
}

var groupAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Give a member shares of the access key",
	Example: `  tresor group add --group 100 --member 4 --user 1 --cosigner 2`,
	RunE:    runGroupAdd,
}

var groupRmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Remove a member's shares",
	RunE:  runGroupRm,
}

var (
	groupID        int64
	groupClass     int64
	groupThreshold int
	groupClasses   []int64
	groupMember    int64
)

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupCreateCmd, groupAddCmd, groupRmCmd)

	groupCmd.PersistentFlags().Int64Var(&groupID, "group", 0, "Directory group id (required)")
	_ = groupCmd.MarkPersistentFlagRequired("group")

	groupCreateCmd.Flags().Int64Var(&groupClass, "class", 0, "Membership security class (required)")
	groupCreateCmd.Flags().IntVar(&groupThreshold, "threshold", 0, "Shares needed to unlock (default: plugins in the class)")
	groupCreateCmd.Flags().Int64SliceVar(&groupClasses, "classes", nil, "Security classes to create group key pairs for")
	_ = groupCreateCmd.MarkFlagRequired("class")

	for _, c := range []*cobra.Command{groupAddCmd, groupRmCmd} {
		c.Flags().Int64Var(&groupMember, "member", 0, "Member user id (required)")
		_ = c.MarkFlagRequired("member")
	}
	groupAddCmd.Flags().Int64SliceVar(&secretCosigners, "cosigner", nil, "Further members that help unlock the access key")
}

func runGroupCreate(cmd *cobra.Command, _ []string) error {
	g, err := tresor.Actors.CreateGroup(cmd.Context(), actors.CreateGroupRequest{
		GroupID:           groupID,
		MembershipClassID: groupClass,
		Threshold:         groupThreshold,
		SecurityClassIDs:  groupClasses,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"group_id":   g.ID(),
			"threshold":  g.Threshold(),
			"membership": g.MembershipClassID(),
		})
		return nil
	}
	printSuccess("Group %d created, %d shares unlock it", g.ID(), g.Threshold())
	return nil
}

func runGroupAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireUser(); err != nil {
		return err
	}
	actor, err := newActor(userID)
	if err != nil {
		return err
	}
	defer actor.Close()

	helpers, done, err := groupLogin(ctx, actor, groupID)
	if err != nil {
		return err
	}
	defer done()

	quorum := append([]*actors.CryptoUser{tresor.Actors.User(actor)}, helpers...)
	if err := tresor.Actors.AddMember(ctx, groupID, groupMember, quorum...); err != nil {
		return err
	}
	printSuccess("User %d now holds shares of group %d", groupMember, groupID)
	return nil
}

func runGroupRm(cmd *cobra.Command, _ []string) error {
	if err := tresor.Actors.RemoveMember(cmd.Context(), groupID, groupMember); err != nil {
		return err
	}
	printSuccess("Removed user %d's shares of group %d", groupMember, groupID)
	return nil
}
