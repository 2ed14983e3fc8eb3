package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/pflag"

	"github.com/coffre-fort/coffre/common/retry"
	"github.com/coffre-fort/coffre/common/version"
	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/aclsync"
	"github.com/coffre-fort/coffre/internal/coffre/ocr"
	"github.com/coffre-fort/coffre/internal/coffre/requests"
)

// errDenied is returned by check when the permission is not held.
var errDenied = errors.New("denied")

type cli struct {
	out      io.Writer
	clock    clock.Clock
	grants   *access.Store
	workflow *requests.Workflow
	mapping  *aclsync.Mapping
	dms      ocr.DMSConfig
	syncRetr retry.Config
}

type command struct {
	summary string
	usage   string
	// args is the minimum number of positional arguments.
	args  int
	run   func(c *cli, ctx context.Context, fs *pflag.FlagSet, args []string) error
	flags func(fs *pflag.FlagSet)
}

var commands = map[string]command{
	"grant": {
		summary: "grant documents to a user",
		usage:   "grant <user> <document>... [--perms view,ocr] [--days N | --until TIME] [--by ADMIN]",
		args:    2,
		flags:   expiryFlags(7, true),
		run:     (*cli).grant,
	},
	"revoke": {
		summary: "revoke documents from a user",
		usage:   "revoke <user> <document>...",
		args:    2,
		run:     (*cli).revoke,
	},
	"check": {
		summary: "check a permission (exit status 2 when denied)",
		usage:   "check <user> <document> [--perm view]",
		args:    2,
		flags: func(fs *pflag.FlagSet) {
			fs.String("perm", string(access.PermView), "permission to check")
		},
		run: (*cli).check,
	},
	"list": {
		summary: "list the documents a user can access",
		usage:   "list <user>",
		args:    1,
		run:     (*cli).list,
	},
	"grants": {
		summary: "show live grants",
		usage:   "grants [--user USER] [--json]",
		flags: func(fs *pflag.FlagSet) {
			fs.String("user", "", "only this user's grants")
			fs.Bool("json", false, "print JSON")
		},
		run: (*cli).listGrants,
	},
	"permissions": {
		summary: "show the union of a user's permissions",
		usage:   "permissions <user>",
		args:    1,
		run:     (*cli).permissions,
	},
	"request": {
		summary: "file an access request",
		usage:   "request <user> <document> [--perms view] [--reason TEXT] [--email EMAIL] [--title TITLE]",
		args:    2,
		flags: func(fs *pflag.FlagSet) {
			fs.StringSlice("perms", nil, "requested permissions")
			fs.String("reason", "", "why access is needed")
			fs.String("email", "", "requester email")
			fs.String("title", "", "document title")
		},
		run: (*cli).request,
	},
	"requests": {
		summary: "list access requests",
		usage:   "requests [--all] [--user USER] [--json]",
		flags: func(fs *pflag.FlagSet) {
			fs.Bool("all", false, "include approved and rejected requests")
			fs.String("user", "", "only this user's requests")
			fs.Bool("json", false, "print JSON")
		},
		run: (*cli).listRequests,
	},
	"pending": {
		summary: "list pending access requests",
		usage:   "pending [--json]",
		flags: func(fs *pflag.FlagSet) {
			fs.Bool("json", false, "print JSON")
		},
		run: (*cli).pending,
	},
	"approve": {
		summary: "approve a pending request",
		usage:   "approve <request-id> --by ADMIN [--email EMAIL] [--days N | --until TIME] [--note TEXT]",
		args:    1,
		flags: func(fs *pflag.FlagSet) {
			expiryFlags(7, false)(fs)
			reviewFlags(fs)
		},
		run: (*cli).approve,
	},
	"reject": {
		summary: "reject a pending request",
		usage:   "reject <request-id> --by ADMIN [--email EMAIL] [--note TEXT]",
		args:    1,
		flags:   reviewFlags,
		run:     (*cli).reject,
	},
	"template-create": {
		summary: "create or replace a template",
		usage:   "template-create <name> --perms view,download --days N [--description TEXT]",
		args:    1,
		flags: func(fs *pflag.FlagSet) {
			fs.StringSlice("perms", nil, "template permissions")
			fs.Int("days", 7, "default grant duration in days")
			fs.String("description", "", "template description")
		},
		run: (*cli).templateCreate,
	},
	"template-list": {
		summary: "list templates",
		usage:   "template-list",
		run:     (*cli).templateList,
	},
	"template-delete": {
		summary: "delete a template",
		usage:   "template-delete <template-id>",
		args:    1,
		run:     (*cli).templateDelete,
	},
	"template-apply": {
		summary: "grant documents to a user from a template",
		usage:   "template-apply <template-id> <user> <document>... [--by ADMIN]",
		args:    3,
		flags: func(fs *pflag.FlagSet) {
			fs.String("by", "", "administrator responsible for the grant")
		},
		run: (*cli).templateApply,
	},
	"map-user": {
		summary: "map a user to a DMS user id (0 removes the mapping)",
		usage:   "map-user <user> <dms-user-id>",
		args:    2,
		run:     (*cli).mapUser,
	},
	"acl-plan": {
		summary: "show the ACLs the DMS should hold",
		usage:   "acl-plan",
		run:     (*cli).aclPlan,
	},
	"acl-sync": {
		summary: "trigger an immediate DMS ACL sync",
		usage:   "acl-sync",
		run:     (*cli).aclSync,
	},
	"version": {
		summary: "print the version",
		usage:   "version",
		run: func(c *cli, _ context.Context, _ *pflag.FlagSet, _ []string) error {
			fmt.Fprintln(c.out, version.Info())
			return nil
		},
	},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *cli) run(ctx context.Context, args []string) error {
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.out)
	fs.Usage = func() {
		fmt.Fprintf(c.out, "Usage: coffrectl %s\n%s", cmd.usage, fs.FlagUsages())
	}
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() < cmd.args {
		return fmt.Errorf("usage: coffrectl %s", cmd.usage)
	}
	return cmd.run(c, ctx, fs, fs.Args())
}

func expiryFlags(defaultDays int, withPerms bool) func(fs *pflag.FlagSet) {
	return func(fs *pflag.FlagSet) {
		fs.Int("days", defaultDays, "grant duration in days")
		fs.String("until", "", "absolute expiry (RFC 3339 or YYYY-MM-DD); overrides --days")
		if withPerms {
			fs.StringSlice("perms", nil, "permissions (default view)")
			fs.String("by", "", "administrator responsible for the grant")
		}
	}
}

func reviewFlags(fs *pflag.FlagSet) {
	fs.String("by", "", "reviewing administrator id")
	fs.String("email", "", "reviewing administrator email")
	fs.String("note", "", "review note")
}

func (c *cli) expiry(fs *pflag.FlagSet) (time.Time, error) {
	if until, _ := fs.GetString("until"); until != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, until); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse --until %q", until)
	}
	days, _ := fs.GetInt("days")
	if days <= 0 {
		return time.Time{}, fmt.Errorf("--days must be positive, got %d", days)
	}
	return c.clock.Now().Add(time.Duration(days) * 24 * time.Hour), nil
}

func (c *cli) printBulk(results access.BulkResults) error {
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(c.out, "ok\t%s\n", r.ResourceID)
		} else {
			fmt.Fprintf(c.out, "failed\t%s\t%s\n", r.ResourceID, r.Error)
		}
	}
	fmt.Fprintf(c.out, "%d succeeded, %d failed\n", results.Succeeded(), results.Failed())
	if results.Failed() > 0 {
		return fmt.Errorf("%d of %d items failed", results.Failed(), len(results))
	}
	return nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) grant(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	expiresAt, err := c.expiry(fs)
	if err != nil {
		return err
	}
	perms, _ := fs.GetStringSlice("perms")
	by, _ := fs.GetString("by")
	var opts []access.GrantOption
	if by != "" {
		opts = append(opts, access.GrantedBy(by))
	}
	return c.printBulk(c.grants.BulkGrant(ctx, args[0], args[1:], expiresAt, perms, opts...))
}

func (c *cli) revoke(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	return c.printBulk(c.grants.BulkRevoke(ctx, args[0], args[1:]))
}

func (c *cli) check(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	raw, _ := fs.GetString("perm")
	perm := access.Permission(raw)
	if !perm.Valid() {
		return fmt.Errorf("unknown permission %q", raw)
	}
	if !c.grants.HasPermission(ctx, args[0], args[1], perm) {
		fmt.Fprintln(c.out, "denied")
		return errDenied
	}
	fmt.Fprintln(c.out, "allowed")
	return nil
}

func (c *cli) list(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	docs, err := c.grants.AccessibleResources(ctx, args[0])
	if err != nil {
		return err
	}
	for _, d := range docs {
		fmt.Fprintln(c.out, d)
	}
	return nil
}

func (c *cli) listGrants(ctx context.Context, fs *pflag.FlagSet, _ []string) error {
	user, _ := fs.GetString("user")
	var (
		grants []*access.Grant
		err    error
	)
	if user != "" {
		grants, err = c.grants.UserGrants(ctx, user)
	} else {
		grants, err = c.grants.AllGrants(ctx)
	}
	if err != nil {
		return err
	}
	if asJSON, _ := fs.GetBool("json"); asJSON {
		return c.printJSON(grants)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tDOCUMENT\tPERMISSIONS\tEXPIRES\tGRANTED BY")
	for _, g := range grants {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.UserID, g.ResourceID,
			strings.Join(access.Strings(g.Permissions), ","), g.ExpiresAt.UTC().Format(time.RFC3339), g.GrantedBy)
	}
	return tw.Flush()
}

func (c *cli) permissions(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	perms, err := c.grants.UserPermissions(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, strings.Join(access.Strings(perms), ","))
	return nil
}

func (c *cli) request(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	perms, _ := fs.GetStringSlice("perms")
	reason, _ := fs.GetString("reason")
	email, _ := fs.GetString("email")
	title, _ := fs.GetString("title")
	r, err := c.workflow.Create(ctx, requests.CreateParams{
		UserID:        args[0],
		UserEmail:     email,
		ResourceID:    args[1],
		ResourceTitle: title,
		Reason:        reason,
		Permissions:   perms,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, r.ID)
	return nil
}

func (c *cli) printRequests(fs *pflag.FlagSet, reqs []*requests.Request) error {
	if asJSON, _ := fs.GetBool("json"); asJSON {
		return c.printJSON(reqs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tDOCUMENT\tPERMISSIONS\tSTATUS\tCREATED")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.UserID, r.ResourceID,
			strings.Join(access.Strings(r.RequestedPermissions), ","), r.Status, r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *cli) listRequests(ctx context.Context, fs *pflag.FlagSet, _ []string) error {
	user, _ := fs.GetString("user")
	all, _ := fs.GetBool("all")
	var (
		reqs []*requests.Request
		err  error
	)
	if user != "" {
		reqs, err = c.workflow.ForUser(ctx, user)
	} else {
		reqs, err = c.workflow.All(ctx, all)
	}
	if err != nil {
		return err
	}
	return c.printRequests(fs, reqs)
}

func (c *cli) pending(ctx context.Context, fs *pflag.FlagSet, _ []string) error {
	reqs, err := c.workflow.Pending(ctx)
	if err != nil {
		return err
	}
	return c.printRequests(fs, reqs)
}

func reviewer(fs *pflag.FlagSet) (id, email, note string, err error) {
	id, _ = fs.GetString("by")
	email, _ = fs.GetString("email")
	note, _ = fs.GetString("note")
	if id == "" {
		return "", "", "", errors.New("--by is required")
	}
	return id, email, note, nil
}

func (c *cli) approve(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	admin, email, note, err := reviewer(fs)
	if err != nil {
		return err
	}
	expiresAt, err := c.expiry(fs)
	if err != nil {
		return err
	}
	r, err := c.workflow.Approve(ctx, args[0], admin, email, expiresAt, note)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "approved %s: %s on %s until %s\n", r.ID, r.UserID, r.ResourceID,
		r.GrantExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

func (c *cli) reject(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	admin, email, note, err := reviewer(fs)
	if err != nil {
		return err
	}
	r, err := c.workflow.Reject(ctx, args[0], admin, email, note)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "rejected %s\n", r.ID)
	return nil
}

func (c *cli) templateCreate(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	perms, _ := fs.GetStringSlice("perms")
	days, _ := fs.GetInt("days")
	desc, _ := fs.GetString("description")
	t, err := c.grants.CreateTemplate(ctx, strings.Join(args, " "), perms, days, desc)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, t.ID)
	return nil
}

func (c *cli) templateList(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	tpls, err := c.grants.ListTemplates(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPERMISSIONS\tDAYS\tDESCRIPTION")
	for _, t := range tpls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name,
			strings.Join(access.Strings(t.Permissions), ","), t.DefaultDurationDays, t.Description)
	}
	return tw.Flush()
}

func (c *cli) templateDelete(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	return c.grants.DeleteTemplate(ctx, args[0])
}

func (c *cli) templateApply(ctx context.Context, fs *pflag.FlagSet, args []string) error {
	by, _ := fs.GetString("by")
	var opts []access.GrantOption
	if by != "" {
		opts = append(opts, access.GrantedBy(by))
	}
	results, err := c.grants.BulkApplyTemplate(ctx, args[0], args[1], args[2:], opts...)
	if err != nil {
		return err
	}
	return c.printBulk(results)
}

func (c *cli) mapUser(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("dms user id must be numeric: %w", err)
	}
	if id == 0 {
		return c.mapping.Delete(ctx, args[0])
	}
	return c.mapping.Set(ctx, args[0], id)
}

func (c *cli) aclPlan(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	grants, err := c.grants.AllGrants(ctx)
	if err != nil {
		return err
	}
	plan, err := aclsync.Plan(ctx, grants, c.mapping)
	if err != nil {
		return err
	}
	return c.printJSON(plan)
}

func (c *cli) aclSync(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	if c.dms.BaseURL == "" {
		return errors.New("DMS_URL is not set")
	}
	trigger := aclsync.NewTrigger(aclsync.TriggerConfig{
		BaseURL:  c.dms.BaseURL,
		Username: c.dms.Username,
		Password: c.dms.Password,
		Retry:    c.syncRetr,
	})
	stats, err := trigger.Sync(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(stats)
}
