package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
	"credits-ledger/internal/credits"
	"credits-ledger/internal/directory"
	"credits-ledger/internal/money"
)

// Exit codes
const (
	exitOK           = 0
	exitInternal     = 1
	exitUsage        = 2
	exitNotFound     = 3
	exitInvalid      = 4
	exitInsufficient = 5
	exitConflict     = 6
)

const usage = `usage: credits <command> [arguments]

commands:
  create -username U -email E [-name N] [-balance B] [-inactive]
  show <id> | show -username U | show -email E
  list
  update <id> [-username U] [-email E] [-name N] [-active=true|false]
  delete <id>
  balance <id>
  debit <id> <amount>
  credit <id> <amount>
  history <id>
  verify
`

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// run executes one command and returns the process exit code
func run(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	err := dispatch(ctx, a, args[0], args[1:], stdout)
	if err == nil {
		return exitOK
	}

	code := exitCode(err)
	fmt.Fprintf(stderr, "error: %v\n", err)
	if code == exitUsage {
		fmt.Fprint(stderr, usage)
	}
	return code
}

func dispatch(ctx context.Context, a *app, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "create":
		return cmdCreate(ctx, a, args, out)
	case "show":
		return cmdShow(ctx, a, args, out)
	case "list":
		return cmdList(ctx, a, out)
	case "update":
		return cmdUpdate(ctx, a, args, out)
	case "delete":
		return cmdDelete(ctx, a, args, out)
	case "balance":
		return cmdBalance(ctx, a, args, out)
	case "debit", "credit":
		return cmdMutate(ctx, a, cmd, args, out)
	case "history":
		return cmdHistory(ctx, a, args, out)
	case "verify":
		return cmdVerify(ctx, a, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}
	return usagef("unknown command %q", cmd)
}

// exitCode maps an error to the process exit status
func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	switch {
	case errors.Is(err, account.ErrInvalidArgument),
		errors.Is(err, account.ErrDuplicateUsername),
		errors.Is(err, account.ErrDuplicateEmail):
		return exitInvalid
	case errors.Is(err, account.ErrVersionConflict):
		return exitConflict
	}

	switch credits.KindOf(err) {
	case credits.KindNone:
		return exitOK
	case credits.KindAccountNotFound:
		return exitNotFound
	case credits.KindInvalidAmount:
		return exitInvalid
	case credits.KindInsufficientCredits:
		return exitInsufficient
	case credits.KindConflict:
		return exitConflict
	}
	return exitInternal
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return usagef("%s: unexpected argument %q", fs.Name(), fs.Arg(0))
	}
	return nil
}

// idArg splits "<id> [flags]" arguments
func idArg(cmd string, args []string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, usagef("%s: account id is required", cmd)
	}
	return args[0], args[1:], nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", credits.ErrInvalidAmount, raw, err)
	}
	return amount, nil
}

func cmdCreate(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := newFlagSet("create")
	username := fs.String("username", "", "unique username")
	email := fs.String("email", "", "unique email")
	name := fs.String("name", "", "full name")
	balance := fs.String("balance", "", "initial balance")
	inactive := fs.Bool("inactive", false, "create the account inactive")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	req := directory.NewAccount{
		Username: *username,
		Email:    *email,
		FullName: *name,
	}
	if *inactive {
		active := false
		req.Active = &active
	}
	if *balance != "" {
		amount, err := money.Parse(*balance)
		if err != nil {
			return fmt.Errorf("%w: balance %q: %v", account.ErrInvalidArgument, *balance, err)
		}
		req.Balance = &amount
	}

	acc, err := a.directory.Create(ctx, req)
	if err != nil {
		return err
	}
	printAccount(out, acc)
	return nil
}

func cmdShow(ctx context.Context, a *app, args []string, out io.Writer) error {
	var (
		acc *account.Account
		err error
	)
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if len(args) > 1 {
			return usagef("show: unexpected argument %q", args[1])
		}
		acc, err = a.directory.Get(ctx, args[0])
	} else {
		fs := newFlagSet("show")
		username := fs.String("username", "", "look up by username")
		email := fs.String("email", "", "look up by email")
		if err := parseFlags(fs, args); err != nil {
			return err
		}
		switch {
		case *username != "":
			acc, err = a.directory.GetByUsername(ctx, *username)
		case *email != "":
			acc, err = a.directory.GetByEmail(ctx, *email)
		default:
			return usagef("show: account id, -username or -email is required")
		}
	}
	if err != nil {
		return err
	}
	printAccount(out, acc)
	return nil
}

func cmdList(ctx context.Context, a *app, out io.Writer) error {
	accounts, err := a.directory.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tACTIVE\tBALANCE")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", acc.ID, acc.Username, acc.Email, acc.Active, money.Format(acc.Balance))
	}
	return w.Flush()
}

func cmdUpdate(ctx context.Context, a *app, args []string, out io.Writer) error {
	id, rest, err := idArg("update", args)
	if err != nil {
		return err
	}

	fs := newFlagSet("update")
	username := fs.String("username", "", "new username")
	email := fs.String("email", "", "new email")
	name := fs.String("name", "", "new full name")
	active := fs.Bool("active", true, "active flag")
	if err := parseFlags(fs, rest); err != nil {
		return err
	}

	current, err := a.directory.Get(ctx, id)
	if err != nil {
		return err
	}
	profile := directory.Profile{
		Username: current.Username,
		Email:    current.Email,
		FullName: current.FullName,
		Active:   current.Active,
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "username":
			profile.Username = *username
		case "email":
			profile.Email = *email
		case "name":
			profile.FullName = *name
		case "active":
			profile.Active = *active
		}
	})

	acc, err := a.directory.Update(ctx, id, profile)
	if err != nil {
		return err
	}
	printAccount(out, acc)
	return nil
}

func cmdDelete(ctx context.Context, a *app, args []string, out io.Writer) error {
	id, rest, err := idArg("delete", args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("delete: unexpected argument %q", rest[0])
	}
	if err := a.directory.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", id)
	return nil
}

func cmdBalance(ctx context.Context, a *app, args []string, out io.Writer) error {
	id, rest, err := idArg("balance", args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("balance: unexpected argument %q", rest[0])
	}
	balance, err := a.engine.GetBalance(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, money.Format(balance))
	return nil
}

func cmdMutate(ctx context.Context, a *app, cmd string, args []string, out io.Writer) error {
	if len(args) != 2 {
		return usagef("%s: expected <id> <amount>", cmd)
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return err
	}

	var balance decimal.Decimal
	if cmd == "debit" {
		balance, err = a.engine.Debit(ctx, args[0], amount)
	} else {
		balance, err = a.engine.Credit(ctx, args[0], amount)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, money.Format(balance))
	return nil
}

func cmdHistory(ctx context.Context, a *app, args []string, out io.Writer) error {
	id, rest, err := idArg("history", args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("history: unexpected argument %q", rest[0])
	}

	exists, err := a.directory.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("account %s: %w", id, credits.ErrAccountNotFound)
	}

	events, err := a.journal.ReadFrom(ctx, id, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTYPE\tAMOUNT\tBEFORE\tAFTER\tOCCURRED_AT")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Version, e.Type, money.Format(e.Amount), money.Format(e.Before), money.Format(e.After),
			e.OccurredAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return w.Flush()
}

func cmdVerify(ctx context.Context, a *app, out io.Writer) error {
	found, err := a.auditor.Audit(ctx)
	if err != nil {
		return err
	}
	for _, d := range found {
		fmt.Fprintf(out, "%s: %s\n", d.AccountID, d.Reason)
	}
	if len(found) > 0 {
		return fmt.Errorf("%d account(s) disagree with the journal", len(found))
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func printAccount(out io.Writer, acc *account.Account) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", acc.ID)
	fmt.Fprintf(w, "username\t%s\n", acc.Username)
	fmt.Fprintf(w, "email\t%s\n", acc.Email)
	fmt.Fprintf(w, "full_name\t%s\n", acc.FullName)
	fmt.Fprintf(w, "active\t%t\n", acc.Active)
	fmt.Fprintf(w, "balance\t%s\n", money.Format(acc.Balance))
	fmt.Fprintf(w, "version\t%d\n", acc.Version)
	fmt.Fprintf(w, "created_at\t%s\n", acc.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	w.Flush()
}
