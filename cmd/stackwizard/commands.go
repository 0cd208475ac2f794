package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stackwizard/internal/journal"
	"stackwizard/internal/service"
)

type appContext struct {
	log     *log.Logger
	deploy  string
	journal string
}

// openSession builds an editing session over the deploy directory,
// with an optional mutation journal.
func (a *appContext) openSession() (*service.Session, *journal.Journal, error) {
	var jnl *journal.Journal
	if a.journal != "" {
		j, err := journal.Open(a.journal)
		if err != nil {
			return nil, nil, err
		}
		jnl = j
	}
	return service.NewSession(a.deploy, jnl, a.log), jnl, nil
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	app := &appContext{log: logger}

	root := &cobra.Command{
		Use:           "stackwizard",
		Short:         "Edit OpenStack-Ansible deployment configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&app.deploy, "config", "/etc/openstack_deploy", "deploy directory holding openstack_user_config.yml and group_vars/")
	root.PersistentFlags().StringVar(&app.journal, "journal", "", "path to the mutation journal database (empty disables journaling)")

	root.AddCommand(
		newNetworksCmd(app),
		newCheckCmd(app),
		newServiceCmd(app),
		newWatchCmd(app),
		newJournalCmd(app),
	)
	return root
}

func newNetworksCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "Show declared networks, reserved ranges, and provider networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, jnl, err := app.openSession()
			if err != nil {
				return err
			}
			defer jnl.Close()
			if err := session.Load(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "CIDR networks:")
			for _, b := range session.Blocks() {
				fmt.Fprintf(out, "  %-16s %-20s %s\n", b.Name, b.CIDR, strings.Join(b.UsedRanges, ", "))
			}
			fmt.Fprintln(out, "Provider networks:")
			for _, pn := range session.ProviderNetworks() {
				fmt.Fprintf(out, "  %-12s %-8s %-8s from=%s groups=%s\n",
					pn.Bridge, pn.Type, pn.ContainerInterface, pn.IPFromBlock, strings.Join(pn.Groups, ","))
			}
			if orphans := session.Orphaned(); len(orphans) > 0 {
				app.log.Warn("ranges assigned to no declared network (lost on next save)", "ranges", orphans)
			}
			return nil
		},
	}
}

func newCheckCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load the network document and report consistency problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, jnl, err := app.openSession()
			if err != nil {
				return err
			}
			defer jnl.Close()
			if err := session.Load(cmd.Context()); err != nil {
				return err
			}

			problems := 0
			for _, b := range session.InvalidBlocks() {
				app.log.Error("network has an invalid CIDR", "network", b.Name, "cidr", b.CIDR)
				problems++
			}
			for _, item := range session.Orphaned() {
				app.log.Error("used range belongs to no declared network", "range", item)
				problems++
			}
			for name, ranges := range session.OverlappingRanges() {
				app.log.Warn("ranges overlap inside network", "network", name, "ranges", ranges)
			}
			if problems > 0 {
				return fmt.Errorf("%d problem(s) found", problems)
			}
			app.log.Info("network document is consistent")
			return nil
		},
	}
}

func newServiceCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "service <name>",
		Short: "Migrate, merge, and print one service's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, jnl, err := app.openSession()
			if err != nil {
				return err
			}
			defer jnl.Close()

			merged, err := session.LoadService(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(merged)
		},
	}
}

func newWatchCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Report external modifications to the network document",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, jnl, err := app.openSession()
			if err != nil {
				return err
			}
			defer jnl.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := make(chan service.Event, 16)
			session.Bus().Subscribe(events)
			go func() {
				for ev := range events {
					if ev.Type == service.EventExternalChange {
						app.log.Warn("document changed on disk; reload before editing")
					}
				}
			}()

			err = session.Watch(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newJournalCmd(app *appContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent mutations recorded in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.journal == "" {
				return errors.New("no journal configured (set --journal)")
			}
			jnl, err := journal.Open(app.journal)
			if err != nil {
				return err
			}
			defer jnl.Close()

			entries, err := jnl.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s %-16s %s\n",
					e.At.Format("2006-01-02 15:04:05"), e.Op, e.Target, e.Detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}
