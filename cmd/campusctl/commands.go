package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"campus.org/internal/campus"
	"campus.org/internal/dashboard"
	"campus.org/internal/events"
	"campus.org/internal/guard"
	"campus.org/internal/payload"
	"campus.org/internal/remote"
	"campus.org/internal/workflow"
)

// offline commands run without loading config or opening the store.
var offline = map[string]bool{"version": true, "help": true, "completion": true}

// newRootCmd builds the campusctl command tree. The returned func releases
// whatever the invoked command opened and must be called after Execute.
func newRootCmd(in io.Reader, out, errOut io.Writer) (*cobra.Command, func(context.Context)) {
	var (
		opts rootOptions
		a    *app
	)
	stdin := bufio.NewReader(in)

	root := &cobra.Command{
		Use:           "campusctl",
		Short:         "Campus administration and membership client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if offline[cmd.Name()] {
				return nil
			}
			var err error
			a, err = newApp(cmd.Context(), opts, stdin, out, errOut)
			return err
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/campus/campus.yaml)")
	root.PersistentFlags().BoolVarP(&opts.yes, "yes", "y", false, "skip confirmation prompts")
	root.PersistentFlags().StringVar(&opts.metricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	get := func() *app { return a }
	root.AddCommand(
		newVersionCmd(out),
		newLoginCmd(get, stdin),
		newLogoutCmd(get),
		newWhoamiCmd(get),
		newPendingCmd(get),
		newDecisionCmd(get, workflow.Approve),
		newDecisionCmd(get, workflow.Reject),
		newCloseClubCmd(get),
		newSummaryCmd(get),
		newClubsCmd(get),
		newJoinCmd(get),
		newLeaveCmd(get),
		newEventsCmd(get),
		newRegisterCmd(get),
		newMembersCmd(get),
		newAttendeesCmd(get),
	)

	cleanup := func(ctx context.Context) {
		if a != nil {
			a.Close(ctx)
			a = nil
		}
	}
	return root, cleanup
}

// describe renders an error for the terminal.
func describe(err error) string {
	var denied *dashboard.DeniedError
	switch {
	case errors.As(err, &denied):
		return fmt.Sprintf("access denied (%s); go to %s", denied.Decision.Reason, denied.Decision.RedirectTo)
	case errors.Is(err, remote.ErrUnauthorized):
		return "not authenticated; run `campusctl login`"
	case errors.Is(err, workflow.ErrUnsupported), errors.Is(err, workflow.ErrUnknownKind), errors.Is(err, workflow.ErrTerminal):
		return err.Error()
	}
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		return remote.Message(err, workflow.FallbackMessage)
	}
	return err.Error()
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(out, "campusctl %s (%s)\n", version, commit)
		},
	}
}

func newLoginCmd(get func() *app, stdin *bufio.Reader) *cobra.Command {
	var creds campus.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if creds.Password == "" {
				fmt.Fprint(a.out, "password: ")
				line, err := stdin.ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				creds.Password = strings.TrimRight(line, "\r\n")
			}
			sess, err := a.api.Login(a.requestContext(cmd.Context()), creds)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "logged in as %s (%s)\n", sess.Subject, strings.Join(sess.Roles, ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&creds.Email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&creds.Password, "password", "p", "", "account password (prompted when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.api.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "logged out")
			return nil
		},
	}
}

func newWhoamiCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			sess := a.store.Get()
			if sess == nil {
				fmt.Fprintf(a.out, "not logged in (go to %s)\n", guard.LoginPath)
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "subject\t%s\n", sess.Subject)
			fmt.Fprintf(w, "user id\t%s\n", orDash(sess.UserID.String()))
			fmt.Fprintf(w, "roles\t%s\n", orDash(strings.Join(sess.Roles, ", ")))
			if sess.ExpiresAt != nil {
				state := "valid"
				if sess.Expired(time.Now()) {
					state = "expired"
				}
				fmt.Fprintf(w, "expires\t%s (%s)\n", sess.ExpiresAt.Local().Format(time.RFC3339), state)
			}
			var views []string
			for _, v := range []guard.View{guard.ViewAdmin, guard.ViewInstructor, guard.ViewClubOfficial, guard.ViewStudent, guard.ViewClubs} {
				if guard.AuthorizeView(sess, v).Allow {
					views = append(views, string(v))
				}
			}
			fmt.Fprintf(w, "views\t%s\n", orDash(strings.Join(views, ", ")))
			return w.Flush()
		},
	}
}

func newPendingCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [kind]",
		Short: "List a pending queue, or the total across all queues",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := a.requestContext(cmd.Context())
			if err := a.requireView(guard.ViewAdmin); err != nil {
				return err
			}
			if len(args) == 0 {
				totals, err := a.engine.PendingTotal(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				for _, k := range workflow.QueueKinds() {
					if err, failed := totals.Failed[k]; failed {
						fmt.Fprintf(w, "%s\tunavailable (%s)\n", k, remote.Message(err, workflow.FallbackMessage))
						continue
					}
					fmt.Fprintf(w, "%s\t%d\n", k, totals.ByKind[k])
				}
				fmt.Fprintf(w, "total\t%d\n", totals.Total)
				return w.Flush()
			}
			kind, err := workflow.ParseKind(args[0])
			if err != nil {
				return err
			}
			reqs, err := a.engine.ListPending(ctx, kind)
			if err != nil {
				return err
			}
			printRequests(a.out, reqs)
			return nil
		},
	}
}

func newDecisionCmd(get func() *app, action workflow.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <kind> <target>",
		Short: strings.ToUpper(string(action[:1])) + string(action[1:]) + " a pending request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireView(guard.ViewAdmin); err != nil {
				return err
			}
			kind, err := workflow.ParseKind(args[0])
			if err != nil {
				return err
			}
			ctx := a.requestContext(cmd.Context())
			target := payload.ID(args[1])
			var res workflow.Result
			if action == workflow.Approve {
				res, err = a.engine.Approve(ctx, kind, target)
			} else {
				res, err = a.engine.Reject(ctx, kind, target)
			}
			if err != nil {
				if res.Outcome == workflow.Failed {
					return errors.New(res.Message)
				}
				return err
			}
			switch res.Outcome {
			case workflow.Declined:
				fmt.Fprintln(a.out, "cancelled")
				return nil
			case workflow.Succeeded:
				fmt.Fprintf(a.out, "%s %s %s: done\n", action, kind, target)
			}
			if res.RefetchErr != nil {
				fmt.Fprintf(a.out, "could not refresh the %s queue: %s\n", kind, remote.Message(res.RefetchErr, workflow.FallbackMessage))
				return nil
			}
			fmt.Fprintf(a.out, "%d %s request(s) still pending\n", len(res.Pending), kind)
			printRequests(a.out, res.Pending)
			return nil
		},
	}
}

func newCloseClubCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close-club <clubId>",
		Short: "Close an active club",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireView(guard.ViewAdmin); err != nil {
				return err
			}
			res, err := a.engine.CloseClub(a.requestContext(cmd.Context()), payload.ID(args[0]))
			if err != nil {
				if res.Outcome == workflow.Failed {
					return errors.New(res.Message)
				}
				return err
			}
			if res.Outcome == workflow.Declined {
				fmt.Fprintln(a.out, "cancelled")
				return nil
			}
			fmt.Fprintf(a.out, "club %s closed\n", res.Club)
			if res.RefetchErr == nil {
				fmt.Fprintf(a.out, "%d active club(s)\n", len(res.Active))
			}
			return nil
		},
	}
}

func newSummaryCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Administrator overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			sum, err := a.admin.Summary(a.requestContext(cmd.Context()))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "students\t%d\n", sum.TotalStudents)
			fmt.Fprintf(w, "active clubs\t%d\n", sum.ActiveClubs)
			fmt.Fprintf(w, "events this month\t%d\n", sum.MonthlyEvents)
			fmt.Fprintf(w, "pending approvals\t%d\n", sum.PendingTotal)
			for name, err := range sum.Errors {
				fmt.Fprintf(w, "unavailable\t%s: %s\n", name, remote.Message(err, workflow.FallbackMessage))
			}
			return w.Flush()
		},
	}
}

func newClubsCmd(get func() *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clubs",
		Short: "List clubs you can still join",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			view, err := a.student.Clubs(a.requestContext(cmd.Context()))
			if err != nil {
				return err
			}
			list := view.Eligible
			if all {
				list = view.All
			}
			printRecords(a.out, list)
			reportPanels(a.out, view.Errors)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every club, including joined and requested ones")
	return cmd
}

func newJoinCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join <clubId>",
		Short: "Request membership in a club",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := a.requestContext(cmd.Context())
			if _, err := a.student.Clubs(ctx); err != nil {
				return err
			}
			if _, err := a.student.RequestMembership(ctx, payload.ID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "membership requested for club %s\n", args[0])
			return nil
		},
	}
}

func newLeaveCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <clubId>",
		Short: "Withdraw a membership request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := a.requestContext(cmd.Context())
			if _, err := a.student.Clubs(ctx); err != nil {
				return err
			}
			if _, err := a.student.WithdrawMembership(ctx, payload.ID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "membership request for club %s withdrawn\n", args[0])
			return nil
		},
	}
}

func newEventsCmd(get func() *app) *cobra.Command {
	var managed bool
	cmd := &cobra.Command{
		Use:   "events [bucket]",
		Short: "Show events by lifecycle bucket (upcoming, pending, past, rejected)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			var only events.Bucket
			if len(args) == 1 {
				b, ok := events.ParseBucket(args[0])
				if !ok {
					return fmt.Errorf("unknown bucket %q", args[0])
				}
				only = b
			}
			ctx := a.requestContext(cmd.Context())
			var (
				buckets map[events.Bucket][]events.Event
				open    []events.Event
				errs    map[string]error
			)
			if managed {
				view, err := a.officer.Events(ctx)
				if err != nil {
					return err
				}
				buckets, errs = view.Events, view.Errors
			} else {
				view, err := a.student.Events(ctx)
				if err != nil {
					return err
				}
				buckets, open, errs = view.Buckets, view.Open, view.Errors
			}
			for _, b := range events.Buckets() {
				if only != "" && b != only {
					continue
				}
				fmt.Fprintf(a.out, "%s (%d)\n", b, len(buckets[b]))
				printEvents(a.out, buckets[b])
			}
			if !managed && (only == "" || only == events.Upcoming) {
				fmt.Fprintf(a.out, "open for registration (%d)\n", len(open))
				printEvents(a.out, open)
			}
			reportPanels(a.out, errs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&managed, "managed", false, "show events you manage as a club official")
	return cmd
}

func newRegisterCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <eventId>",
		Short: "Register for an upcoming event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := a.requestContext(cmd.Context())
			if _, err := a.student.Events(ctx); err != nil {
				return err
			}
			if err := a.student.RegisterForEvent(ctx, payload.ID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "registered for event %s\n", args[0])
			return nil
		},
	}
}

func newMembersCmd(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Decide membership requests of a club you manage",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "pending <clubId>",
			Short: "List a club's pending membership requests",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := get()
				q, err := a.officer.MembershipRequests(a.requestContext(cmd.Context()), payload.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%d membership request(s) pending for club %s\n", q.Count, q.Club)
				printRequests(a.out, q.Requests)
				reportPanels(a.out, q.Errors)
				return nil
			},
		},
		newMembershipDecisionCmd(get, workflow.Approve),
		newMembershipDecisionCmd(get, workflow.Reject),
	)
	return cmd
}

func newMembershipDecisionCmd(get func() *app, action workflow.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <clubId> <requestId>",
		Short: strings.ToUpper(string(action[:1])) + string(action[1:]) + " a membership request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := a.requestContext(cmd.Context())
			club, request := payload.ID(args[0]), payload.ID(args[1])
			var (
				res workflow.MembershipResult
				err error
			)
			if action == workflow.Approve {
				res, err = a.officer.ApproveMembership(ctx, club, request)
			} else {
				res, err = a.officer.RejectMembership(ctx, club, request)
			}
			if err != nil {
				if res.Outcome == workflow.Failed {
					return errors.New(res.Message)
				}
				return err
			}
			if res.Outcome == workflow.Declined {
				fmt.Fprintln(a.out, "cancelled")
				return nil
			}
			fmt.Fprintf(a.out, "%s membership request %s: done\n", action, request)
			if res.RefetchErr != nil {
				fmt.Fprintf(a.out, "could not refresh club %s requests: %s\n", club, remote.Message(res.RefetchErr, workflow.FallbackMessage))
				return nil
			}
			fmt.Fprintf(a.out, "%d membership request(s) still pending\n", len(res.Pending))
			printRequests(a.out, res.Pending)
			return nil
		},
	}
}

func newAttendeesCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attendees <eventId>",
		Short: "List registrations for an event you manage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			regs, err := a.officer.EventRegistrations(a.requestContext(cmd.Context()), payload.ID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d registration(s)\n", len(regs))
			printRecords(a.out, regs)
			return nil
		},
	}
}

// requireView runs the guard for commands that call the API directly.
func (a *app) requireView(view guard.View) error {
	d := guard.AuthorizeView(a.store.Get(), view)
	if !d.Allow {
		return &dashboard.DeniedError{View: view, Decision: d}
	}
	return nil
}

func printRequests(out io.Writer, reqs []workflow.Request) {
	if len(reqs) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tID\tSTATUS\tSUBMITTED\tNAME")
	for _, r := range reqs {
		submitted := "-"
		if r.SubmittedAt != nil {
			submitted = r.SubmittedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", orDash(r.Target.String()), orDash(r.ID.String()), r.Status, submitted, orDash(displayName(r.Payload)))
	}
	_ = w.Flush()
}

func printRecords(out io.Writer, recs []payload.Record) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\n", orDash(payload.FirstID(r, payload.Key("id")).String()), orDash(displayName(r)))
	}
	_ = w.Flush()
}

func printEvents(out io.Writer, evs []events.Event) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, ev := range evs {
		when := "unknown date"
		if ev.At != nil {
			when = ev.At.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", orDash(ev.ID.String()), when, orDash(ev.Title))
	}
	_ = w.Flush()
}

func reportPanels(out io.Writer, errs map[string]error) {
	for name, err := range errs {
		fmt.Fprintf(out, "warning: %s unavailable: %s\n", name, remote.Message(err, workflow.FallbackMessage))
	}
}

var nameFields = []payload.Accessor{
	payload.Key("name"),
	payload.Key("title"),
	payload.Key("clubName"),
	payload.Key("email"),
	payload.Path("user", "email"),
}

func displayName(rec payload.Record) string {
	if first, last := payload.FirstString(rec, payload.Key("firstName")), payload.FirstString(rec, payload.Key("lastName")); first != "" || last != "" {
		return strings.TrimSpace(first + " " + last)
	}
	return payload.FirstString(rec, nameFields...)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
