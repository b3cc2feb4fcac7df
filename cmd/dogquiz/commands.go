package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/panyam/dogquiz/internal/logging"
	"github.com/panyam/dogquiz/quiz"
	"github.com/panyam/dogquiz/session"
)

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		return a.login(ctx, args)
	case "logout":
		return a.logout(ctx)
	case "register":
		return a.register(ctx, args)
	case "whoami":
		return a.whoami(ctx)
	case "stats":
		return a.stats(ctx)
	case "play":
		return a.play(ctx)
	case "forgot":
		return a.forgot(ctx, args)
	case "reset":
		return a.reset(ctx, args)
	}
	return fmt.Errorf("unknown command %q\n%w", command, errUsage)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	username := fs.String("user", "", "username or email")
	password := fs.String("password", "", "password (prompted when empty)")
	callback := fs.String("callback", "", "OAuth redirect URL to complete a social login")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *callback != "" {
		if _, err := a.quiz.LoginWithCallback(*callback); err != nil {
			return err
		}
	} else {
		var err error
		if *username == "" {
			if *username, err = a.prompt("Username: "); err != nil {
				return err
			}
		}
		if *password == "" {
			if *password, err = a.prompt("Password: "); err != nil {
				return err
			}
		}
		if _, err := a.quiz.Login(ctx, *username, *password); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}
	a.session.Sync()

	me, err := a.quiz.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Logged in as %s\n", me.Username)
	if dest := a.session.TakeReturnTo(); dest != session.DefaultReturnTo {
		fmt.Fprintf(a.out, "You can now run `dogquiz %s`\n", dest)
	}
	return nil
}

func (a *app) logout(ctx context.Context) error {
	err := a.quiz.Logout(ctx)
	a.session.Sync()
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("server logout failed")
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	var req quiz.RegisterRequest
	fs.StringVar(&req.Username, "user", "", "username")
	fs.StringVar(&req.Email, "email", "", "email address")
	fs.StringVar(&req.Password, "password", "", "password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if req.Username == "" {
		if req.Username, err = a.prompt("Username: "); err != nil {
			return err
		}
	}
	if req.Password == "" {
		if req.Password, err = a.prompt("Password: "); err != nil {
			return err
		}
	}
	user, err := a.quiz.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	fmt.Fprintf(a.out, "Registered %s. Run `dogquiz login` to sign in.\n", user.Username)
	return nil
}

// requireLogin reports a friendly message instead of calling the API
// when no session exists.
func (a *app) requireLogin(dest string) bool {
	var lre *session.LoginRequiredError
	if err := a.session.Require(dest); errors.As(err, &lre) {
		fmt.Fprintf(a.out, "You are not logged in. Run `dogquiz login` first (needed for %s).\n", lre.From)
		return false
	}
	return true
}

func (a *app) whoami(ctx context.Context) error {
	if !a.requireLogin("whoami") {
		return nil
	}
	me, err := a.quiz.Me(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Username:\t%s\n", me.Username)
	fmt.Fprintf(tw, "Email:\t%s\n", me.Email)
	if me.FirstName != "" {
		fmt.Fprintf(tw, "Name:\t%s\n", me.FirstName)
	}
	fmt.Fprintf(tw, "Games played:\t%d\n", me.GamesPlayed)
	fmt.Fprintf(tw, "Best score:\t%d\n", me.BestScore)
	return tw.Flush()
}

func (a *app) stats(ctx context.Context) error {
	st, err := a.quiz.GlobalStats(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Games:\t%d\n", st.TotalGames)
	fmt.Fprintf(tw, "Rounds:\t%d\n", st.TotalRounds)
	fmt.Fprintf(tw, "Players:\t%d\n", st.TotalPlayers)
	fmt.Fprintf(tw, "Accuracy:\t%.2f%%\n", st.AvgAccuracy)
	if len(st.HardestBreeds) > 0 {
		fmt.Fprintln(tw, "Hardest breeds:")
		for _, hb := range st.HardestBreeds {
			fmt.Fprintf(tw, "  %d.\t%s\t%.2f%%\n", hb.Rank, hb.Breed.Name, hb.Accuracy)
		}
	}
	return tw.Flush()
}

func (a *app) play(ctx context.Context) error {
	g, err := a.quiz.NewGame(ctx)
	if err != nil {
		return err
	}
	if g.IsGuest() {
		fmt.Fprintln(a.out, "Playing as a guest; log in to keep your scores.")
	}

	for !g.Done() {
		q, err := g.Next(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "\nRound %d/%d: %s\n", q.CurrentRound, g.TotalRounds(), q.ImageURL)
		for i, c := range q.Choices {
			fmt.Fprintf(a.out, "  %d) %s\n", i+1, c.Name)
		}

		slug, quit, err := a.readChoice(q)
		if err != nil {
			return err
		}
		if quit {
			if err := g.Terminate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Game abandoned")
			return nil
		}

		res, err := g.Submit(ctx, slug)
		if err != nil {
			return err
		}
		if res.IsCorrect {
			fmt.Fprintln(a.out, "Correct!")
		} else {
			fmt.Fprintf(a.out, "Wrong, it was %s\n", res.Breed.Name)
		}
	}

	summary, err := g.End(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "\nFinal score: %d/%d\n", summary.Score, summary.Rounds)
	return nil
}

// readChoice asks until it gets a valid choice number or "q"
func (a *app) readChoice(q *quiz.Question) (slug string, quit bool, err error) {
	for {
		line, err := a.prompt("Your answer (number, q to quit): ")
		if err != nil {
			return "", false, err
		}
		if strings.EqualFold(line, "q") {
			return "", true, nil
		}
		n, convErr := strconv.Atoi(line)
		if convErr == nil && n >= 1 && n <= len(q.Choices) {
			return q.Choices[n-1].Slug, false, nil
		}
		fmt.Fprintf(a.out, "Please enter a number between 1 and %d\n", len(q.Choices))
	}
}

func (a *app) forgot(ctx context.Context, args []string) error {
	fs := newFlagSet("forgot")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		var err error
		if *email, err = a.prompt("Email: "); err != nil {
			return err
		}
	}

	found, err := a.quiz.CheckEmail(ctx, *email)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(a.out, "No account uses %s\n", *email)
		return nil
	}
	if err := a.quiz.RequestPasswordReset(ctx, *email); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "We sent a password reset link to %s\n", *email)
	if a.fake != nil {
		fmt.Fprintf(a.out, "Reset token: %s\n", a.fake.ResetTokenFor(*email))
	}
	return nil
}

func (a *app) reset(ctx context.Context, args []string) error {
	fs := newFlagSet("reset")
	token := fs.String("token", "", "token from the reset link")
	password := fs.String("password", "", "new password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("reset requires -token")
	}
	if *password == "" {
		var err error
		if *password, err = a.prompt("New password: "); err != nil {
			return err
		}
	}
	if err := a.quiz.ResetPassword(ctx, *token, *password); err != nil {
		return fmt.Errorf("password reset failed: %w", err)
	}
	fmt.Fprintln(a.out, "Password updated. Run `dogquiz login` to sign in.")
	return nil
}
