package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"erpcore.dev/internal/client"
)

var (
	errUsage       = errors.New("usage")
	errNotSignedIn = errors.New("not signed in; run authctl login")
)

// app wires the client state for one invocation.
type app struct {
	api     client.API
	session *client.SessionManager
	tenants *client.TenantSelector
	perms   *client.Permissions
	out     io.Writer
	log     *slog.Logger
	secret  func() (string, error)
}

func newApp(api client.API, records client.RecordStore, log *slog.Logger, out io.Writer) *app {
	session := client.NewSessionManager(api, records, client.WithSessionLogger(log))
	tenants := client.NewTenantSelector(records)
	tenants.FollowSession(session)
	return &app{
		api:     api,
		session: session,
		tenants: tenants,
		perms:   client.NewPermissions(api, session, tenants, log),
		out:     out,
		log:     log,
	}
}

// start restores persisted state. A server that is unreachable is not fatal
// here; commands that need it fail on their own.
func (a *app) start(ctx context.Context) error {
	if err := client.Initialize(ctx, a.session, a.tenants); err != nil {
		a.log.WarnContext(ctx, "restore state", "error", err)
	}
	return nil
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "login":
		if len(args) != 2 {
			return errUsage
		}
		return a.login(ctx, args[1])
	case "whoami":
		return a.whoami()
	case "tenants":
		return a.listTenants(ctx)
	case "use":
		return a.use(ctx, args[1:])
	case "permissions":
		return a.permissions(ctx)
	case "logout":
		return a.logout(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (a *app) login(ctx context.Context, identifier string) error {
	if a.secret == nil {
		return errors.New("no secret source")
	}
	secret, err := a.secret()
	if err != nil {
		return err
	}
	user, err := a.session.Login(ctx, identifier, secret)
	if err != nil {
		return err
	}
	list, err := a.memberships(ctx)
	if err != nil {
		return err
	}
	active, ok, err := a.tenants.Reconcile(ctx, list)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "signed in as %s\n", user.Username)
	if ok {
		fmt.Fprintf(a.out, "active tenant: %s\n", label(active))
	} else if len(list) > 1 {
		fmt.Fprintln(a.out, "several tenants and no primary; pick one with authctl use")
	}
	return nil
}

func (a *app) whoami() error {
	user, ok := a.session.User()
	if !ok {
		return errNotSignedIn
	}
	fmt.Fprintf(a.out, "user: %s (id %s)\n", user.Username, user.ID)
	if user.Email != "" {
		fmt.Fprintf(a.out, "email: %s\n", user.Email)
	}
	if t, ok := a.tenants.Current(); ok {
		fmt.Fprintf(a.out, "tenant: %s\n", label(t))
		if t.RoleName != "" {
			fmt.Fprintf(a.out, "role: %s\n", t.RoleName)
		}
	} else {
		fmt.Fprintln(a.out, "tenant: none")
	}
	return nil
}

func (a *app) memberships(ctx context.Context) ([]client.Membership, error) {
	user, ok := a.session.User()
	if !ok {
		return nil, errNotSignedIn
	}
	var list []client.Membership
	err := a.session.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		list, err = a.api.Memberships(ctx, token, user.ID)
		return err
	})
	return list, err
}

func (a *app) listTenants(ctx context.Context) error {
	list, err := a.memberships(ctx)
	if err != nil {
		return err
	}
	if _, _, err := a.tenants.Reconcile(ctx, list); err != nil {
		return err
	}
	cur, _ := a.tenants.Current()
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tCODE\tNAME\tROLE\tPRIMARY")
	for _, m := range list {
		marker := ""
		if m.TenantID == cur.TenantID {
			marker = "*"
		}
		primary := ""
		if m.IsPrimary {
			primary = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", marker, m.TenantID, m.TenantCode, m.TenantName, m.RoleName, primary)
	}
	return tw.Flush()
}

func (a *app) use(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("use", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	primary := fs.Bool("primary", false, "also make it the primary tenant")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	want := fs.Arg(0)

	list, err := a.memberships(ctx)
	if err != nil {
		return err
	}
	var target *client.Membership
	for i := range list {
		if list[i].TenantID == want || strings.EqualFold(list[i].TenantCode, want) {
			target = &list[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("not a member of tenant %q", want)
	}
	if *primary {
		user, _ := a.session.User()
		if err := a.session.Do(ctx, func(ctx context.Context, token string) error {
			return a.api.SetPrimary(ctx, token, user.ID, target.TenantID)
		}); err != nil {
			return err
		}
	}
	t := client.ActiveTenant{TenantID: target.TenantID, TenantCode: target.TenantCode, TenantName: target.TenantName, RoleName: target.RoleName}
	if err := a.tenants.SetCurrentTenant(ctx, t); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "active tenant: %s\n", label(t))
	return nil
}

func (a *app) permissions(ctx context.Context) error {
	if a.session.State() != client.Authenticated {
		return errNotSignedIn
	}
	tenantID, set, err := a.perms.Get(ctx)
	if err != nil {
		return err
	}
	if tenantID == "" {
		return errors.New("no active tenant; pick one with authctl use")
	}
	for _, k := range set.Keys() {
		fmt.Fprintln(a.out, k)
	}
	return nil
}

func (a *app) logout(ctx context.Context) error {
	err := a.session.Logout(ctx)
	fmt.Fprintln(a.out, "signed out")
	return err
}

func label(t client.ActiveTenant) string {
	switch {
	case t.TenantName != "" && t.TenantCode != "":
		return fmt.Sprintf("%s (%s)", t.TenantName, t.TenantCode)
	case t.TenantCode != "":
		return t.TenantCode
	default:
		return t.TenantID
	}
}
