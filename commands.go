package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/petervdpas/goopchat/internal/app"
	"github.com/petervdpas/goopchat/internal/contacts"
	"github.com/petervdpas/goopchat/internal/ledger"

	"github.com/spf13/cobra"
)

// withPeer runs fn against the offline peer in args[0].
func withPeer(fn func(cmd *cobra.Command, p *app.Peer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, err := openPeer(args[0])
		if err != nil {
			return err
		}
		defer p.Close()
		return fn(cmd, p, args[1:])
	}
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage group ledgers stored in a peer directory",
		Long: "Group changes are signed with the peer's identity and written to its " +
			"database; a running peer replicates them to the others.",
	}

	var desc string
	create := &cobra.Command{
		Use:   "create <directory> <name> [member...]",
		Short: "Create a group administered by this peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, args []string) error {
			members := make([]string, 0, len(args)-1)
			for _, m := range args[1:] {
				members = append(members, p.ResolveAddress(cmd.Context(), m))
			}
			rec, err := p.Ledger.Create(cmd.Context(), ledger.CreateParams{
				Name:        args[0],
				Description: desc,
				Admin:       p.Identity.Address(),
				Members:     members,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.GroupID)
			return nil
		}),
	}
	create.Flags().StringVarP(&desc, "description", "d", "", "group description")

	list := &cobra.Command{
		Use:   "list <directory>",
		Short: "List known groups",
		Args:  cobra.ExactArgs(1),
		RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, _ []string) error {
			groups, err := p.Ledger.GetAllGroups(cmd.Context())
			if err != nil {
				return err
			}
			self := p.Identity.Address()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tROLE\tUPDATED")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", g.GroupID, g.Name, len(g.MemberList()), role(g, self), updated(g))
			}
			return w.Flush()
		}),
	}

	show := &cobra.Command{
		Use:   "show <directory> <group-id>",
		Short: "Show a group's members and history",
		Args:  cobra.ExactArgs(2),
		RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, args []string) error {
			g, err := p.Ledger.GetGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\nadmin: %s\nmembers:\n", g.GroupID, g.Name, g.Admin)
			for _, m := range g.MemberList() {
				fmt.Fprintf(out, "  %s\n", m)
			}
			fmt.Fprintln(out, "history:")
			for _, a := range g.Timeline() {
				fmt.Fprintf(out, "  %s  %-13s %s %s\n", time.UnixMilli(a.Timestamp).Format(time.RFC3339), a.Kind, a.By, a.Target)
			}
			return nil
		}),
	}

	action := func(use, short string, run func(cmd *cobra.Command, p *app.Peer, gid, target string) (*ledger.Record, error)) *cobra.Command {
		n := strings.Count(use, "<")
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(n),
			RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, args []string) error {
				target := ""
				if len(args) > 1 {
					target = p.ResolveAddress(cmd.Context(), args[1])
				}
				rec, err := run(cmd, p, args[0], target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d members, admin %s\n", rec.Name, len(rec.MemberList()), rec.Admin)
				return nil
			}),
		}
	}

	cmd.AddCommand(create, list, show,
		action("add <directory> <group-id> <member>", "Add a member", func(cmd *cobra.Command, p *app.Peer, gid, target string) (*ledger.Record, error) {
			return p.Ledger.AddMember(cmd.Context(), gid, p.Identity.Address(), target)
		}),
		action("remove <directory> <group-id> <member>", "Remove a member (admin only)", func(cmd *cobra.Command, p *app.Peer, gid, target string) (*ledger.Record, error) {
			return p.Ledger.RemoveMember(cmd.Context(), gid, p.Identity.Address(), target)
		}),
		action("transfer <directory> <group-id> <member>", "Hand the admin role to a member", func(cmd *cobra.Command, p *app.Peer, gid, target string) (*ledger.Record, error) {
			return p.Ledger.TransferAdmin(cmd.Context(), gid, p.Identity.Address(), target)
		}),
		action("leave <directory> <group-id>", "Leave a group", func(cmd *cobra.Command, p *app.Peer, gid, _ string) (*ledger.Record, error) {
			return p.Ledger.Leave(cmd.Context(), gid, p.Identity.Address())
		}),
		action("join <directory> <group-id>", "Check that this peer may join a group", func(cmd *cobra.Command, p *app.Peer, gid, _ string) (*ledger.Record, error) {
			return p.Ledger.Join(cmd.Context(), gid, p.Identity.Address())
		}),
	)
	return cmd
}

func role(g *ledger.Record, self string) string {
	switch {
	case g.Admin == self:
		return "admin"
	case g.IsMember(self):
		return "member"
	default:
		return "-"
	}
}

func updated(g *ledger.Record) string {
	tl := g.Timeline()
	if len(tl) == 0 {
		return "-"
	}
	return humanize.Time(time.UnixMilli(tl[len(tl)-1].Timestamp))
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the address book of a peer directory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <directory>",
			Short: "List contacts",
			Args:  cobra.ExactArgs(1),
			RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, _ []string) error {
				all, err := p.Contacts.List(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ALIAS\tADDRESS")
				for _, c := range all {
					fmt.Fprintf(w, "%s\t%s\n", c.Alias, c.Address)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "add <directory> <address> <alias>",
			Short: "Add or rename a contact",
			Args:  cobra.ExactArgs(3),
			RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, args []string) error {
				return p.Contacts.Add(cmd.Context(), contacts.Contact{Address: args[0], Alias: args[1]})
			}),
		},
		&cobra.Command{
			Use:   "remove <directory> <address|alias>",
			Short: "Remove a contact",
			Args:  cobra.ExactArgs(2),
			RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, args []string) error {
				return p.Contacts.Remove(cmd.Context(), p.ResolveAddress(cmd.Context(), args[0]))
			}),
		},
		&cobra.Command{
			Use:   "whoami <directory>",
			Short: "Print this peer's address",
			Args:  cobra.ExactArgs(1),
			RunE: withPeer(func(cmd *cobra.Command, p *app.Peer, _ []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), p.Identity.Address())
				return nil
			}),
		},
	)
	return cmd
}
