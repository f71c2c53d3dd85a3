package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/client"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/examsession"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/model"
	"golang.org/x/term"
)

func main() {
	examFlag := flag.String("exam", "", "ID of the exam to take")
	flag.Parse()

	examID, err := uuid.Parse(*examFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: examtaker -exam <uuid>")
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.LoadClient()
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := bufio.NewReader(os.Stdin)

	// ─── Login ─────────────────────────────────────────────────────────
	nisn := prompt(reader, "NISN: ")
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read password")
	}

	cl, err := client.New(client.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.RequestTimeout,
		Log:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid client configuration")
	}
	login, err := cl.Login(ctx, nisn, string(pw))
	if err != nil {
		fmt.Println("Login failed:", err)
		os.Exit(1)
	}
	fmt.Printf("Welcome, %s\n", login.Student.Name)

	// ─── Controller ────────────────────────────────────────────────────
	ui := newConsole(os.Stdout)
	ctrl, err := examsession.New(examsession.Config{
		ExamID:         examID,
		Gateway:        cl,
		Store:          cl,
		Log:            log,
		RequestTimeout: cfg.RequestTimeout,
		TickInterval:   cfg.TickInterval,
		Hooks: examsession.Hooks{
			OnState:    ui.onState,
			OnTick:     ui.onTick,
			OnNotice:   ui.onNotice,
			OnFinished: ui.onFinished,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam controller")
	}
	defer ctrl.Close()

	if err := ctrl.CheckAvailability(ctx); err != nil {
		fmt.Println("Exam is not available:", err)
		os.Exit(1)
	}
	state, err := ctrl.LoadOrPrompt(ctx)
	if err != nil {
		fmt.Println("Could not load the exam:", err)
		os.Exit(1)
	}

	if state == examsession.StateNotStarted {
		def := ctrl.Definition()
		fmt.Printf("%s: %d questions, %d minutes.\n", def.Title, len(def.Questions), def.DurationMinutes)
		if !strings.EqualFold(prompt(reader, "Start now? [y/N] "), "y") {
			return
		}
		if err := ctrl.Start(ctx); err != nil {
			fmt.Println("Could not start the exam:", err)
			os.Exit(1)
		}
	}

	if ctrl.State() == examsession.StateActive {
		printHelp(os.Stdout)
		show(os.Stdout, ctrl)
		run(ctx, reader, ctrl, log)
	}
	awaitSubmit(ctx, reader, ctrl, ui)

	if ctrl.State() == examsession.StateTerminal {
		result, err := ctrl.Result(ctx)
		if err != nil {
			fmt.Println("Result not available yet:", err)
			return
		}
		printResult(os.Stdout, result)
	}
}

// run reads commands until the session ends or the user quits.
func run(ctx context.Context, reader *bufio.Reader, ctrl *examsession.Controller, log zerolog.Logger) {
	for ctx.Err() == nil && ctrl.State() == examsession.StateActive {
		line := prompt(reader, "> ")
		cmd, arg, _ := strings.Cut(line, " ")

		var err error
		switch cmd {
		case "n":
			err = ctrl.Next()
		case "p":
			err = ctrl.Previous()
		case "g":
			var i int
			if i, err = strconv.Atoi(arg); err == nil {
				err = ctrl.GoTo(i - 1)
			}
		case "a":
			err = selectOption(ctrl, arg)
		case "e":
			q, _, ok := ctrl.Current()
			if !ok {
				continue
			}
			err = ctrl.UpdateEssay(q.ID, arg)
		case "s":
			err = submit(ctx, reader, ctrl)
		case "u":
			listUnsynced(os.Stdout, ctrl)
			continue
		case "q":
			return
		case "":
			continue
		default:
			printHelp(os.Stdout)
			continue
		}

		if err != nil {
			log.Debug().Err(err).Str("command", cmd).Msg("Command rejected")
			fmt.Println("Error:", err)
			continue
		}
		if ctrl.State() == examsession.StateActive {
			show(os.Stdout, ctrl)
		}
	}
}

// awaitSubmit blocks while a submit is in flight so that the deferred Close
// does not cancel it. When the automatic retry is exhausted the user may try
// again until the store accepts or they give up.
func awaitSubmit(ctx context.Context, reader *bufio.Reader, ctrl *examsession.Controller, ui *console) {
	for ctrl.State() == examsession.StateSubmitting {
		select {
		case <-ui.finished:
			return
		case <-ctx.Done():
			return
		case <-ui.abandoned:
			if !strings.EqualFold(prompt(reader, "Retry submit? [y/N] "), "y") {
				fmt.Println("Answers were not submitted. Reopen the exam to try again.")
				return
			}
			// A failed retry reports itself through NoticeSubmitAbandoned.
			if err := ctrl.Submit(ctx); errors.Is(err, examsession.ErrClosed) {
				return
			}
		}
	}
}

func selectOption(ctrl *examsession.Controller, arg string) error {
	q, _, ok := ctrl.Current()
	if !ok {
		return errors.New("no question selected")
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(q.Options) {
		return fmt.Errorf("pick an option between 1 and %d", len(q.Options))
	}
	return ctrl.SelectOption(q.ID, q.Options[n-1].ID)
}

func submit(ctx context.Context, reader *bufio.Reader, ctrl *examsession.Controller) error {
	if err := ctrl.ConfirmSubmit(); err != nil {
		return err
	}
	snap := ctrl.Snapshot()
	msg := fmt.Sprintf("Submit with %d of %d answered? [y/N] ", snap.Answered, snap.Total)
	if !strings.EqualFold(prompt(reader, msg), "y") {
		ctrl.CancelSubmit()
		return nil
	}
	return ctrl.Submit(ctx)
}

// ─── Rendering ────────────────────────────────────────────────────────────

type console struct {
	out      io.Writer
	lastMins int

	finished  chan struct{}
	abandoned chan struct{}
}

func newConsole(out io.Writer) *console {
	return &console{
		out:       out,
		finished:  make(chan struct{}, 1),
		abandoned: make(chan struct{}, 1),
	}
}

// notify never blocks, so a hook fired twice does not stall the controller.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *console) onState(from, to examsession.State) {
	if to == examsession.StateSubmitting {
		fmt.Fprintln(c.out, "Submitting...")
	}
}

// onTick prints the remaining time once a minute and every tick in the
// final minute.
func (c *console) onTick(remaining time.Duration) {
	mins := int(remaining / time.Minute)
	if mins == c.lastMins && mins > 0 {
		return
	}
	c.lastMins = mins
	fmt.Fprintf(c.out, "\r[time left %s] ", examsession.FormatRemaining(remaining))
}

func (c *console) onNotice(n examsession.Notice) {
	switch n.Kind {
	case examsession.NoticeExpired:
		fmt.Fprintln(c.out, "\nTime is up, submitting your answers.")
	case examsession.NoticePushFailed:
		fmt.Fprintf(c.out, "\nAnswer for %s not saved yet: %v\n", n.QuestionID, n.Err)
	case examsession.NoticeSubmitAbandoned:
		fmt.Fprintf(c.out, "\nSubmit failed: %v\n", n.Err)
		notify(c.abandoned)
	default:
		fmt.Fprintf(c.out, "\n%s: %v\n", n.Kind, n.Err)
	}
}

func (c *console) onFinished(s *model.ExamSession) {
	fmt.Fprintf(c.out, "\nSession %s finished (%s).\n", s.ID, s.Status)
	notify(c.finished)
}

func show(w io.Writer, ctrl *examsession.Controller) {
	q, i, ok := ctrl.Current()
	if !ok {
		return
	}
	snap := ctrl.Snapshot()
	fmt.Fprintf(w, "\nQuestion %d/%d (%s, %.1f marks) [%d answered, %s left]\n",
		i+1, snap.Total, q.Type, q.Marks, snap.Answered, examsession.FormatRemaining(snap.Remaining))
	fmt.Fprintln(w, q.Text)

	ans := ctrl.Answer(q.ID)
	for n, o := range q.Options {
		mark := " "
		if ans.SelectedOptionID != nil && *ans.SelectedOptionID == o.ID {
			mark = "*"
		}
		fmt.Fprintf(w, " %s %d. %s\n", mark, n+1, o.Text)
	}
	if q.Type == model.QuestionTypeEssay && ans.AnswerText != "" {
		fmt.Fprintf(w, "  Your answer: %s\n", ans.AnswerText)
	}
}

func listUnsynced(w io.Writer, ctrl *examsession.Controller) {
	ids := ctrl.UnsyncedQuestions()
	if len(ids) == 0 {
		fmt.Fprintln(w, "All answers are saved.")
		return
	}
	def := ctrl.Definition()
	for _, id := range ids {
		for n, q := range def.Questions {
			if q.ID == id {
				fmt.Fprintf(w, "  question %d is not saved yet\n", n+1)
			}
		}
	}
}

func printResult(w io.Writer, s *model.ExamSession) {
	fmt.Fprintf(w, "Status: %s\n", s.Status)
	if s.Score != nil {
		fmt.Fprintf(w, "Score:  %.2f\n", *s.Score)
	}
	correct := 0
	for _, a := range s.Answers {
		if a.IsCorrect != nil && *a.IsCorrect {
			correct++
		}
	}
	fmt.Fprintf(w, "Correct answers: %d of %d\n", correct, len(s.Answers))
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands: n next, p previous, g <i> go to, a <option#> answer, e <text> essay, s submit, u unsaved, q quit")
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
