package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/app"
	"github.com/climb-ledger/internal/backup"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/loader"
	"github.com/climb-ledger/internal/logging"
	"github.com/climb-ledger/internal/service"
	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand. app is opened lazily by
// the first command that needs it.
type cli struct {
	configPath string
	storage    string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	app    *app.App
	opts   app.Options

	objects backup.ObjectStore
	in      io.Reader
}

func (c *cli) load() error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.storage != "" {
		cfg.Storage.Driver = c.storage
	}
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.NewWithWriter(os.Stderr, "text", level)
	return nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, c.cfg, c.logger, c.opts)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
}

// confirm asks for an explicit "yes" on the input stream
func (c *cli) confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s Type 'yes' to confirm: ", prompt)
	line, _ := bufio.NewReader(c.in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "climbctl",
		Short:         "Administration tool for the climbing competition ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&c.storage, "storage", "", "Override the storage driver (postgres or memory)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level")

	root.AddCommand(
		newMigrateCommand(c),
		newLoadBlocksCommand(c),
		newClearBlocksCommand(c),
		newAdminActivationCommand(c, "activate-admin", true),
		newAdminActivationCommand(c, "deactivate-admin", false),
		newListAdminsCommand(c),
		newCreateAdminCommand(c),
		newReconcileCommand(c),
		newBackupCommand(c),
	)
	return root
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.opts.Migrate = true
			c.opts.SkipRedis = true
			if _, err := c.open(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newLoadBlocksCommand(c *cli) *cobra.Command {
	var blocksPath, pointsPath string
	cmd := &cobra.Command{
		Use:   "load-blocks",
		Short: "Create or update blocks and their score options from CSV files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			blocks, err := os.Open(blocksPath)
			if err != nil {
				return err
			}
			defer blocks.Close()
			points, err := os.Open(pointsPath)
			if err != nil {
				return err
			}
			defer points.Close()

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			summary, err := loader.New(a.Catalog, a.Logger).Load(cmd.Context(), blocks, points)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Blocks created:   %d\n", summary.Created)
			fmt.Fprintf(out, "Blocks updated:   %d\n", summary.Updated)
			fmt.Fprintf(out, "Blocks failed:    %d\n", len(summary.Failed))
			fmt.Fprintf(out, "Total processed:  %d\n", summary.Total())
			if len(summary.UnknownGrades) > 0 {
				fmt.Fprintf(out, "Grades without points: %s\n", strings.Join(summary.UnknownGrades, ", "))
			}
			for _, f := range summary.Failed {
				fmt.Fprintf(out, "  line %d (%s): %v\n", f.Line, f.Lane, f.Err)
			}
			if len(summary.Failed) > 0 {
				return fmt.Errorf("%d block(s) could not be loaded", len(summary.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&blocksPath, "blocks", "blocks.csv", "Blocks file (lane,grade,color,wall,distance)")
	cmd.Flags().StringVar(&pointsPath, "points", "points.csv", "Points file (grade,flash,second_try,third_try,more)")
	return cmd
}

func newClearBlocksCommand(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-blocks",
		Short: "Delete every block with its options and scores, adjusting participant totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			blocks, err := a.Catalog.ListBlocks(cmd.Context(), access.System, domain.BlockFilter{})
			if err != nil {
				return err
			}
			if len(blocks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No blocks to delete.")
				return nil
			}
			if !yes && !c.confirm(cmd, fmt.Sprintf("This deletes %d block(s) and every score on them.", len(blocks))) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}

			deleted, err := a.Catalog.ClearBlocks(cmd.Context(), access.System)
			fmt.Fprintf(cmd.OutOrStdout(), "Blocks deleted: %d\n", deleted)
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")
	return cmd
}

func newAdminActivationCommand(c *cli, use string, active bool) *cobra.Command {
	var yes bool
	verb := "Deactivate"
	if active {
		verb = "Activate"
	}
	cmd := &cobra.Command{
		Use:   use + " <username|all>",
		Short: verb + " one staff account, or all of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if !active && strings.EqualFold(target, service.AllStaff) && !yes &&
				!c.confirm(cmd, "This deactivates every staff account.") {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			results, err := a.Directory.SetStaffActive(cmd.Context(), target, active)
			if err != nil {
				return err
			}

			changed := 0
			out := cmd.OutOrStdout()
			for _, r := range results {
				status := "unchanged"
				if r.Changed {
					status = strings.ToLower(verb) + "d"
					changed++
				}
				fmt.Fprintf(out, "  %-20s %-30s %s\n", r.Participant.Username, r.Participant.Email, status)
			}
			fmt.Fprintf(out, "%d account(s) changed, %d already %s\n", changed, len(results)-changed, activeWord(active))
			return nil
		},
	}
	if !active {
		cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt for 'all'")
	}
	return cmd
}

func activeWord(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func newListAdminsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list-admins",
		Short: "List staff accounts with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			staff, err := a.Directory.ListStaff(cmd.Context())
			if err != nil {
				return err
			}
			if len(staff) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No staff accounts found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tEMAIL\tSTATUS\tSUPERUSER")
			active := 0
			for _, p := range staff {
				if p.IsActive {
					active++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", p.Username, p.Email, activeWord(p.IsActive), p.IsSuperuser)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Total: %d active, %d inactive\n", active, len(staff)-active)
			return nil
		},
	}
}

func newCreateAdminCommand(c *cli) *cobra.Command {
	var email, username, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an active superuser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("CLIMB_ADMIN_PASSWORD")
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			p, err := a.Directory.CreateAdmin(cmd.Context(), email, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin %s (%s) created with id %d\n", p.Username, p.Email, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Login email")
	cmd.Flags().StringVar(&username, "username", "", "Username")
	cmd.Flags().StringVar(&password, "password", "", "Password (defaults to $CLIMB_ADMIN_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newReconcileCommand(c *cli) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare participant totals with their block scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Ledger.Reconcile(cmd.Context(), repair)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Participants checked: %d\n", report.Checked)
			fmt.Fprintf(out, "Drifted:              %d\n", len(report.Drifted))
			for _, d := range report.Drifted {
				fmt.Fprintf(out, "  participant %d: score %d -> %d, distance %d -> %d\n",
					d.ParticipantID, d.StoredScore, d.ComputedScore, d.StoredDistance, d.ComputedDistance)
			}
			if repair {
				fmt.Fprintf(out, "Repaired:             %d\n", report.Repaired)
				if report.Repaired > 0 {
					return a.Standings.Rebuild(cmd.Context())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Overwrite drifted totals with the computed values")
	return cmd
}

func newBackupCommand(c *cli) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload a compressed snapshot of the database and prune old ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			cfg := &a.Config.Backup
			if c.objects == nil {
				if cfg.Bucket == "" {
					return fmt.Errorf("backup.bucket is not configured")
				}
				c.objects, err = backup.NewS3Store(cmd.Context(), cfg)
				if err != nil {
					return err
				}
			}
			svc := backup.NewService(a.Store, c.objects, cfg, a.Logger)
			out := cmd.OutOrStdout()

			if list {
				backups, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, b := range backups {
					fmt.Fprintf(out, "%-55s %10d bytes\n", b.Key, b.Size)
				}
				fmt.Fprintf(out, "Total: %d backup(s)\n", len(backups))
				return nil
			}

			result, err := svc.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Backup stored: %s (%d bytes)\n", result.Key, result.Size)
			fmt.Fprintf(out, "Participants: %d, blocks: %d, block scores: %d\n", result.Participants, result.Blocks, result.BlockScores)
			for _, k := range result.Pruned {
				fmt.Fprintf(out, "Deleted old backup: %s\n", k)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List stored backups instead of taking one")
	return cmd
}

func main() {
	c := &cli{in: os.Stdin}
	defer c.close()

	if err := newRootCommand(c).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		c.close()
		os.Exit(1)
	}
}
