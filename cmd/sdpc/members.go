package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openperimeter/sdpc/internal/config"
	"github.com/openperimeter/sdpc/internal/directory"
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Inspect and manage directory members",
}

var membersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all members",
	RunE:  runMembersList,
}

var memberAddFlags struct {
	role     string
	invalid  bool
	country  string
	state    string
	locality string
	org      string
	orgUnit  string
	email    string
	serial   string
}

var membersAddCmd = &cobra.Command{
	Use:   "add <sdp-id>",
	Short: "Add a member to the directory",
	Long: `Add a member row for the given SDP id. The member starts with no
credentials and is due for rotation on first connection; use
'sdpc generate' to issue its initial certificate and SPA keys.`,
	Args: cobra.ExactArgs(1),
	RunE: runMembersAdd,
}

func init() {
	rootCmd.AddCommand(membersCmd)
	membersCmd.AddCommand(membersListCmd)
	membersCmd.AddCommand(membersAddCmd)

	membersAddCmd.Flags().StringVar(&memberAddFlags.role, "role", directory.RoleClient, "member role (gateway or client)")
	membersAddCmd.Flags().BoolVar(&memberAddFlags.invalid, "invalid", false, "create the member in the unauthorized state")
	membersAddCmd.Flags().StringVar(&memberAddFlags.country, "country", "", "certificate subject country")
	membersAddCmd.Flags().StringVar(&memberAddFlags.state, "state", "", "certificate subject state or province")
	membersAddCmd.Flags().StringVar(&memberAddFlags.locality, "locality", "", "certificate subject locality")
	membersAddCmd.Flags().StringVar(&memberAddFlags.org, "org", "", "certificate subject organization")
	membersAddCmd.Flags().StringVar(&memberAddFlags.orgUnit, "org-unit", "", "certificate subject organizational unit")
	membersAddCmd.Flags().StringVar(&memberAddFlags.email, "email", "", "certificate subject email address")
	membersAddCmd.Flags().StringVar(&memberAddFlags.serial, "serial", "", "certificate serial number (decimal)")
}

func runMembersList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}

	store, err := directory.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer store.Close()

	members, err := store.ListMembers(context.Background())
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	if len(members) == 0 {
		fmt.Println("No members found.")
		return nil
	}

	fmt.Printf("%-10s  %-8s  %-7s  %-19s  %s\n", "SDP ID", "ROLE", "VALID", "LAST ROTATION", "ROTATION DUE")
	for _, m := range members {
		valid := "yes"
		if !m.Valid {
			valid = "no"
		}
		fmt.Printf("%-10d  %-8s  %-7s  %-19s  %s\n",
			m.SDPID, m.Role, valid,
			m.LastCredUpdate.Format("2006-01-02 15:04:05"),
			m.CredUpdateDue.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runMembersAdd(cmd *cobra.Command, args []string) error {
	sdpID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid SDP id %q: %w", args[0], err)
	}
	if memberAddFlags.role != directory.RoleGateway && memberAddFlags.role != directory.RoleClient {
		return fmt.Errorf("invalid role %q: must be %s or %s",
			memberAddFlags.role, directory.RoleGateway, directory.RoleClient)
	}

	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}

	store, err := directory.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer store.Close()

	now := time.Now()
	member := &directory.Member{
		SDPID:          uint32(sdpID),
		Role:           memberAddFlags.role,
		Valid:          !memberAddFlags.invalid,
		LastCredUpdate: now,
		// Due immediately so the first connection triggers a rotation.
		CredUpdateDue: now,
		Subject: directory.CertSubject{
			Country:  memberAddFlags.country,
			State:    memberAddFlags.state,
			Locality: memberAddFlags.locality,
			Org:      memberAddFlags.org,
			OrgUnit:  memberAddFlags.orgUnit,
			Email:    memberAddFlags.email,
			Serial:   memberAddFlags.serial,
		},
	}

	if err := store.InsertMember(context.Background(), member); err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	fmt.Printf("Added %s %d\n", member.Role, member.SDPID)
	return nil
}
