package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/shake_relax/internal/auth"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/export"
	"github.com/relabs-tech/shake_relax/internal/store"
)

// historyEnv is what the history commands operate on.
type historyEnv struct {
	repo   sessionRepo
	userID string
	secret []byte
	now    func() time.Time
	close  func() error
}

type historyOpener func(configPath, user string) (*historyEnv, error)

func openHistoryEnv(configPath, user string) (*historyEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = cfg.UserID
	}
	return &historyEnv{repo: db, userID: user, secret: []byte(cfg.JWTSecret), now: time.Now, close: db.Close}, nil
}

// NewHistoryCommand builds the offline history tool: browse, annotate,
// delete and export stored sessions, and mint API tokens.
func NewHistoryCommand() *cobra.Command {
	return newHistoryCommand(openHistoryEnv)
}

func newHistoryCommand(open historyOpener) *cobra.Command {
	var (
		configPath string
		user       string
		env        *historyEnv
	)

	root := &cobra.Command{
		Use:          "history",
		Short:        "Manage stored relaxation sessions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			env, err = open(configPath, user)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if env != nil && env.close != nil {
				return env.close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "shake_relax_config.txt", "path to config file")
	root.PersistentFlags().StringVar(&user, "user", "", "user id (default USER_ID)")

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := env.repo.List(cmd.Context(), env.userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if sessions == nil {
					sessions = []store.Session{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			return printSessions(out, sessions)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := env.repo.Get(cmd.Context(), env.userID, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}

	note := &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Replace a session's notes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes := strings.Join(args[1:], " ")
			if err := env.repo.UpdateNotes(cmd.Context(), env.userID, args[0], notes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.repo.Delete(cmd.Context(), env.userID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	var format, outPath string
	exp := &cobra.Command{
		Use:   "export",
		Short: "Export the history as PDF or XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := exportHistory(cmd.Context(), env, format)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = "sessions." + format
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", outPath, len(data))
			return nil
		},
	}
	exp.Flags().StringVar(&format, "format", "pdf", "pdf or xlsx")
	exp.Flags().StringVarP(&outPath, "out", "o", "", "output file (default sessions.<format>)")

	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for the web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(env.secret) == 0 {
				return errors.New("JWT_SECRET is not set; the web server runs without authentication")
			}
			tok, err := auth.Issue(env.userID, env.secret, ttl, env.now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")

	root.AddCommand(list, show, note, del, exp, token)
	return root
}

func exportHistory(ctx context.Context, env *historyEnv, format string) ([]byte, error) {
	sessions, err := env.repo.List(ctx, env.userID)
	if err != nil {
		return nil, err
	}
	switch format {
	case "pdf":
		return export.BuildHistoryPDF(env.userID, sessions, env.now())
	case "xlsx":
		return export.BuildHistoryXLSX(env.userID, sessions, env.now())
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

func printSessions(out io.Writer, sessions []store.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTRESSED\tTO RELAX\tNOTES")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"),
			export.MMSS(s.DurationMs), export.MMSS(s.TimeToRelaxMs), s.Notes)
	}
	sum := export.Summarize(sessions)
	fmt.Fprintf(tw, "\n%d sessions\t\t%s\tavg %s\t\n", sum.Sessions, export.MMSS(sum.TotalStressedMs), export.MMSS(sum.AvgTimeToRelaxMs))
	return tw.Flush()
}
