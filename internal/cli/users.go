package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gatebot/internal/config"
	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type UsersOptions struct {
	*RootOptions
	JSON bool
}

func NewUsersCommand(root *RootOptions) *cobra.Command {
	opts := &UsersOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Print the user registry",
		Long: `Print every registered user, most recently seen first.

The registry is opened read-only, so it is safe to run next to a live
bot: a legacy registry is listed but not migrated, and a malformed one is
reported without being moved aside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := loadUsers(cmd.Context(), opts.ConfigPath)
			if err != nil {
				return err
			}
			return writeUsers(cmd.OutOrStdout(), users, opts.JSON, time.Now())
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

// loadUsers skips config validation: listing users needs no token.
func loadUsers(ctx context.Context, cfgPath string) (storage.Users, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Registry.Driver,
		Path:        cfg.Registry.Path,
		BusyTimeout: config.MustDuration(cfg.Registry.BusyTimeout, time.Second),
		ReadOnly:    true,
	}, logx.NewConsole("WARN").With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	defer st.Close()
	users, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", cfg.Registry.Path, err)
	}
	return users, nil
}

type userRow struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"first_name"`
	Surname     string    `json:"last_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func sortedRows(users storage.Users) []userRow {
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		r := userRow{ID: u.ID, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt, LastSeenAt: u.LastSeenAt}
		if u.Handle != nil {
			r.Username = *u.Handle
		}
		if u.Surname != nil {
			r.Surname = *u.Surname
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastSeenAt.Equal(rows[j].LastSeenAt) {
			return rows[i].LastSeenAt.After(rows[j].LastSeenAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func writeUsers(w io.Writer, users storage.Users, asJSON bool, now time.Time) error {
	rows := sortedRows(users)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tNAME\tLAST SEEN\tFIRST SEEN")
	for _, r := range rows {
		handle := "-"
		if r.Username != "" {
			handle = "@" + r.Username
		}
		name := r.DisplayName
		if r.Surname != "" {
			name += " " + r.Surname
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, handle, name, relTime(r.LastSeenAt, now), relTime(r.CreatedAt, now))
	}
	fmt.Fprintf(tw, "\n%s users\n", humanize.Comma(int64(len(rows))))
	return tw.Flush()
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
