package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDate accepts RFC 3339 or a bare YYYY-MM-DD (local midnight).
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func listFilter(cmd *cobra.Command) (idr.ListFilter, error) {
	statuses, _ := cmd.Flags().GetStringSlice("statuses")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")

	var f idr.ListFilter
	for _, s := range statuses {
		s = strings.ToUpper(strings.TrimSpace(s))
		if !idr.ValidStatus(s) {
			return f, fmt.Errorf("unknown status %q (valid: %s)", s, strings.Join(idr.Statuses, ", "))
		}
		f.Statuses = append(f.Statuses, s)
	}
	assignedTo, _ := cmd.Flags().GetString("assigned-to")
	order, _ := cmd.Flags().GetString("sort")
	var err error
	if f.Assignee, err = idr.ParseAssigneeFilter(assignedTo); err != nil {
		return f, err
	}
	if f.Order, err = idr.ParseOrder(order); err != nil {
		return f, err
	}
	if f.StartTime, err = parseDate(since); err != nil {
		return f, err
	}
	if f.EndTime, err = parseDate(until); err != nil {
		return f, err
	}
	return f, nil
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("statuses", nil, "statuses to include (default OPEN,INVESTIGATING,WAITING)")
	cmd.Flags().String("since", "", "only investigations created at or after this date")
	cmd.Flags().String("until", "", "only investigations created before this date")
	cmd.Flags().String("assigned-to", "all", "only investigations assigned to: all, unassigned or an email")
	cmd.Flags().String("sort", "newest", "order by creation time: newest or oldest")
}

// --- investigations ---

var investigationsCmd = &cobra.Command{
	Use:     "investigations",
	Aliases: []string{"inv"},
	Short:   "Browse investigations",
}

var investigationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open investigations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := listFilter(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		links, _ := cmd.Flags().GetBool("links")

		rt, err := newRuntime(runtimeOpts{})
		if err != nil {
			return err
		}
		defer rt.Close()

		list, err := rt.client.ListOpen(cmd.Context(), f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, list)
		}
		if len(list) == 0 {
			printWarning("No investigations match")
			return nil
		}

		tw := newTable(out)
		header := "ID\tSTATUS\tPRIORITY\tASSIGNEE\tCREATED\tTITLE"
		if links {
			header += "\tLINK"
		}
		fmt.Fprintln(tw, header)
		for _, inv := range list {
			assignee := inv.AssigneeEmail()
			if assignee == "" {
				assignee = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s",
				inv.Key(), inv.Status, inv.Priority, assignee, formatTime(inv.CreatedTime), truncate(inv.Title, 60))
			if links {
				fmt.Fprintf(tw, "\t%s", rt.client.ConsoleLink(inv.RRN))
			}
			fmt.Fprintln(tw)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		printStatus("Total", "%d", len(list))
		return nil
	},
}

func init() {
	addListFlags(investigationsListCmd)
	investigationsListCmd.Flags().Bool("json", false, "print JSON")
	investigationsListCmd.Flags().Bool("links", false, "add a console link column (needs settings.org_id)")
	investigationsCmd.AddCommand(investigationsListCmd)
}

// --- update ---

var updateCmd = &cobra.Command{
	Use:   "update [id...]",
	Short: "Apply one change to many investigations",
	Long: `Apply one change to many investigations.

Each investigation gets a single update carrying the new status, disposition
and assignee, followed by the comment if one is given. Failures on one
investigation never stop the others.

Examples:
  idrbulk update 1a2b 3c4d --status CLOSED --disposition BENIGN
  idrbulk update --ids-file ids.txt --assignee "Ada Lovelace" --comment "Triaged"
  idrbulk update --open --since 2024-05-01 --status CLOSED --disposition NOT_APPLICABLE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		disposition, _ := cmd.Flags().GetString("disposition")
		assignee, _ := cmd.Flags().GetString("assignee")
		comment, _ := cmd.Flags().GetString("comment")
		idsFile, _ := cmd.Flags().GetString("ids-file")
		allOpen, _ := cmd.Flags().GetBool("open")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		asJSON, _ := cmd.Flags().GetBool("json")

		ids := append([]string(nil), args...)
		if idsFile != "" {
			fromFile, err := readIDs(cmd.InOrStdin(), idsFile)
			if err != nil {
				return err
			}
			ids = append(ids, fromFile...)
		}

		rt, err := newRuntime(runtimeOpts{audit: true, concurrency: concurrency})
		if err != nil {
			return err
		}
		defer rt.Close()

		if allOpen {
			f, err := listFilter(cmd)
			if err != nil {
				return err
			}
			list, err := rt.client.ListOpen(cmd.Context(), f)
			if err != nil {
				return err
			}
			for _, inv := range list {
				ids = append(ids, inv.Key())
			}
		}
		if len(ids) == 0 {
			return fmt.Errorf("no investigations given (pass IDs, --ids-file or --open)")
		}

		email, err := resolveAssignee(rt.cfg, assignee)
		if err != nil {
			return err
		}
		reqs, err := bulk.NewBatch(ids, bulk.Change{
			Status:      status,
			Disposition: disposition,
			Assignee:    email,
			Comment:     comment,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !asJSON {
			printStep("Updating %d investigations: %s", len(reqs), reqs[0].Describe())
		}
		progress := func(o bulk.Outcome) {
			if !asJSON {
				printOutcome(out, o)
			}
		}
		id, rep, runErr := rt.batches.Run(cmd.Context(), "cli", reqs, progress)
		if asJSON {
			if err := writeJSON(out, reportJSON(id, rep)); err != nil {
				return err
			}
		} else if id != "" {
			printSummary(out, id, rep)
		}
		if runErr != nil {
			return runErr
		}
		return rep.Err()
	},
}

func init() {
	updateCmd.Flags().String("status", "", "new status: "+strings.Join(idr.Statuses, ", "))
	updateCmd.Flags().String("disposition", "", "new disposition: "+strings.Join(idr.Dispositions, ", "))
	updateCmd.Flags().String("assignee", "", "assignee email or registered name")
	updateCmd.Flags().String("comment", "", "comment to post on each investigation")
	updateCmd.Flags().String("ids-file", "", "file with one investigation ID per line (- for stdin)")
	updateCmd.Flags().Bool("open", false, "target every investigation matching the list filters")
	updateCmd.Flags().Int("concurrency", 0, "parallel requests (default from config)")
	updateCmd.Flags().Bool("json", false, "print the report as JSON")
	addListFlags(updateCmd)
}

// readIDs reads one ID per line, skipping blanks and # comments.
func readIDs(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading ids: %w", err)
		}
		defer f.Close()
		r = f
	}
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ids: %w", err)
	}
	return ids, nil
}

type outcomeJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason"`
}

func reportJSON(batchID string, rep bulk.Report) any {
	outcomes := make([]outcomeJSON, len(rep.Outcomes))
	for i, o := range rep.Outcomes {
		outcomes[i] = outcomeJSON{ID: o.ID, Status: o.Status.String(), Reason: o.Reason()}
		if o.Err() != nil {
			outcomes[i].Kind = o.Kind().String()
		}
	}
	return map[string]any{
		"batch":     batchID,
		"succeeded": rep.Count(bulk.Succeeded),
		"partial":   rep.Count(bulk.Partial),
		"failed":    rep.Count(bulk.Failed),
		"skipped":   rep.Count(bulk.Skipped),
		"outcomes":  outcomes,
	}
}

// --- comments ---

var commentsCmd = &cobra.Command{
	Use:   "comments",
	Short: "Read and post investigation comments",
}

var commentsListCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "List the comments on an investigation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(runtimeOpts{})
		if err != nil {
			return err
		}
		defer rt.Close()

		list, err := rt.comments.ListComments(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			printWarning("No comments on %s", args[0])
			return nil
		}
		for _, c := range list {
			fmt.Fprintf(out, "%s  %s\n", colorize(colorBold, formatTime(c.CreatedTime)), colorize(colorCyan, c.Author()))
			fmt.Fprintf(out, "  %s\n\n", strings.ReplaceAll(c.Body, "\n", "\n  "))
		}
		return nil
	},
}

var commentsPostCmd = &cobra.Command{
	Use:   "post <id> [text...]",
	Short: "Post a comment on an investigation",
	Long: `Post a comment on an investigation.

The text is taken from the remaining arguments, or from the comment
history with --recent N (1 is the most recently used).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recent, _ := cmd.Flags().GetInt("recent")

		rt, err := newRuntime(runtimeOpts{})
		if err != nil {
			return err
		}
		defer rt.Close()

		text := strings.Join(args[1:], " ")
		if recent > 0 {
			hist, err := rt.comments.RecentComments(recent)
			if err != nil {
				return err
			}
			if len(hist) < recent {
				return fmt.Errorf("comment history has only %d entries", len(hist))
			}
			text = hist[recent-1].Text
		}

		o := rt.comments.PostComment(cmd.Context(), args[0], text)
		if o.Status != bulk.Succeeded {
			return fmt.Errorf("%s: %s", o.ID, o.Reason())
		}
		printSuccess("Comment posted on %s", o.ID)
		return nil
	},
}

var commentsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently used comment texts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		hist, err := config.Open(configPath).CommentHistory(limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, e := range hist {
			fmt.Fprintf(out, "%3d  %s  %s\n", i+1, colorize(colorBold, formatTime(e.LastUsed)), truncate(strings.ReplaceAll(e.Text, "\n", " "), 80))
		}
		return nil
	},
}

var commentsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every remembered comment text",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Open(configPath).ClearCommentHistory(); err != nil {
			return err
		}
		printSuccess("Comment history cleared")
		return nil
	},
}

func init() {
	commentsPostCmd.Flags().Int("recent", 0, "reuse the Nth most recent comment text")
	commentsHistoryCmd.Flags().Int("limit", 20, "maximum number of entries")
	commentsCmd.AddCommand(commentsListCmd)
	commentsCmd.AddCommand(commentsPostCmd)
	commentsCmd.AddCommand(commentsHistoryCmd)
	commentsCmd.AddCommand(commentsClearCmd)
}

// --- assignees ---

var assigneesCmd = &cobra.Command{
	Use:   "assignees",
	Short: "Manage the assignee roster",
}

var assigneesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered assignees",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := config.Open(configPath).Assignees()
		if err != nil {
			return err
		}
		if len(reg) == 0 {
			printWarning("No assignees registered (add one with `idrbulk assignees add`)")
			return nil
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "NAME\tEMAIL")
		for _, a := range reg {
			fmt.Fprintf(tw, "%s\t%s\n", a.Name, a.Email)
		}
		return tw.Flush()
	},
}

var assigneesAddCmd = &cobra.Command{
	Use:   "add <name> <email>",
	Short: "Register an assignee",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := config.Assignee{Name: args[0], Email: args[1]}
		if err := config.Open(configPath).AddAssignee(a); err != nil {
			return err
		}
		printSuccess("Added %s", a.Label())
		return nil
	},
}

var assigneesEditCmd = &cobra.Command{
	Use:   "edit <email>",
	Short: "Change an assignee's name or email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.Open(configPath)
		reg, err := store.Assignees()
		if err != nil {
			return err
		}
		cur, ok := reg.Find(args[0])
		if !ok {
			return fmt.Errorf("%w: %s", config.ErrAssigneeNotFound, args[0])
		}
		if cmd.Flags().Changed("name") {
			cur.Name, _ = cmd.Flags().GetString("name")
		}
		if cmd.Flags().Changed("email") {
			cur.Email, _ = cmd.Flags().GetString("email")
		}
		if err := store.EditAssignee(args[0], cur); err != nil {
			return err
		}
		printSuccess("Updated %s", cur.Label())
		return nil
	},
}

var assigneesRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove an assignee",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Open(configPath).RemoveAssignee(args[0]); err != nil {
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

func init() {
	assigneesEditCmd.Flags().String("name", "", "new display name")
	assigneesEditCmd.Flags().String("email", "", "new email address")
	assigneesCmd.AddCommand(assigneesListCmd)
	assigneesCmd.AddCommand(assigneesAddCmd)
	assigneesCmd.AddCommand(assigneesEditCmd)
	assigneesCmd.AddCommand(assigneesRemoveCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.Open(configPath)
		f, err := store.Resolve()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(f) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("File", "%s", store.Path())
		if err := f.Settings.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(config.Open(configPath), key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the connection settings",
	Long: `Write the connection settings: region, organisation ID and where the API
key comes from. The key itself is never stored in the config file.

Examples:
  idrbulk config init --region us --key-env R7_IDR_API_KEY
  idrbulk config init --region eu --org-id 0a1b2c --key-file ~/.r7key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")
		region = config.NormalizeRegion(region)
		orgID, _ := cmd.Flags().GetString("org-id")
		keyEnv, _ := cmd.Flags().GetString("key-env")
		keyFile, _ := cmd.Flags().GetString("key-file")

		var src config.KeySource
		switch {
		case keyEnv != "" && keyFile != "":
			return fmt.Errorf("use either --key-env or --key-file, not both")
		case keyFile != "":
			src = config.FileKeySource{Path: keyFile}
		case keyEnv != "":
			src = config.EnvKeySource{Var: keyEnv}
		default:
			src = config.EnvKeySource{Var: config.DefaultKeyEnvVar}
		}

		st := config.Settings{Region: region, OrgID: orgID, KeySource: src}
		if err := st.Validate(); err != nil {
			return err
		}
		store := config.Open(configPath)
		if err := store.SaveSettings(st); err != nil {
			return err
		}
		printSuccess("Wrote %s (region %s, key from %s)", store.Path(), region, src)
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("region", "", "InsightIDR region: "+strings.Join(config.Regions, ", "))
	configInitCmd.Flags().String("org-id", "", "organisation ID, used for console links")
	configInitCmd.Flags().String("key-env", "", "environment variable holding the API key (default "+config.DefaultKeyEnvVar+")")
	configInitCmd.Flags().String("key-file", "", "file holding the API key")
	configInitCmd.MarkFlagRequired("region")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}
