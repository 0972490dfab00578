// Command proctor-agent runs one monitored exam session against the proctor
// API. Surface events and student actions are read as lines from stdin;
// session events are written to stdout as JSON lines.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/backup"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/lockdown"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

func main() {
	var examID, attemptID string
	var duration time.Duration
	flag.StringVar(&examID, "exam", "", "Exam ID to sit (required)")
	flag.StringVar(&attemptID, "attempt", "", "Attempt ID to resume")
	flag.DurationVar(&duration, "duration", 0, "Expected exam duration, informational")
	flag.Parse()

	cfg := config.LoadAgent()
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if examID == "" {
		fmt.Fprintln(os.Stderr, "usage: proctor-agent -exam <exam_id> [-attempt <attempt_id>]")
		os.Exit(2)
	}
	if cfg.Token == "" {
		log.Fatal().Msg("PROCTOR_TOKEN is not set")
	}
	if err := cfg.Security.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid security config")
	}

	store, err := openBackup(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.BackupDriver).Msg("Failed to open violation backup")
	}
	defer store.Close()

	out := &eventWriter{enc: json.NewEncoder(os.Stdout)}
	surface := lockdown.NewScriptedSurface()
	client := backend.NewHTTPClient(cfg.APIURL, cfg.Token, backend.WithLogger(log))
	validator := answerfile.NewValidator(cfg.MaxAnswerFileBytes, cfg.AllowWordFiles)

	sess := session.New(client, store, surface,
		session.WithLogger(log),
		session.WithSecurity(cfg.Security),
		session.WithNotifier(out),
		session.WithWarningTTL(cfg.WarningTTL),
		session.WithSubmitRetry(cfg.SubmitRetryInterval),
		session.WithAnswerFiles(validator),
		session.WithClientContext(model.ClientContext{UserAgent: "proctor-agent", PageURL: "cli://exam/" + examID}),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sess.Start(startCtx, session.AttemptRef{ExamID: examID, AttemptID: attemptID}, duration)
	startCancel()
	if err != nil {
		out.emit("start_failed", map[string]string{"error": err.Error()})
		log.Fatal().Err(err).Msg("Could not start exam session")
	}
	out.emit("started", sess.Snapshot())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-sess.Done():
			out.emit("finished", sess.Snapshot())
			return
		case sig := <-quit:
			log.Info().Str("signal", sig.String()).Msg("Leaving session without submitting")
			sess.Teardown()
			return
		case line, ok := <-lines:
			if !ok {
				sess.Teardown()
				return
			}
			if err := execute(sess, surface, out, line); err != nil {
				out.emit("error", map[string]string{"command": line, "error": err.Error()})
			}
		}
	}
}

func openBackup(cfg *config.AgentConfig) (backup.Store, error) {
	switch cfg.BackupDriver {
	case config.BackupDriverSQLite:
		return backup.OpenSQLite(cfg.BackupSQLitePath)
	case config.BackupDriverRedis:
		opts, err := redis.ParseURL(cfg.BackupRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse backup redis url: %w", err)
		}
		return backup.NewRedisStore(redis.NewClient(opts)), nil
	case config.BackupDriverMemory:
		return backup.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown backup driver %q", cfg.BackupDriver)
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines <- line
		}
	}
}

// execute runs one stdin command:
//
//	hide | show | blur | focus | contextmenu | copy | cut | paste | select
//	fullscreen-exit | fullscreen-enter | devtools | refresh | back
//	key <combo>                e.g. key ctrl+shift+i, key F12
//	answer <question> <choice>
//	text <question> <text...>
//	file <question> <path>
//	attach <path>
//	status | submit | quit
func execute(sess *session.Session, surface *lockdown.ScriptedSurface, out *eventWriter, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	now := time.Now()

	if kind, ok := signalCommands[cmd]; ok {
		surface.Dispatch(violation.Signal{Kind: kind, At: now})
		return nil
	}

	switch cmd {
	case "key":
		if len(args) != 1 {
			return fmt.Errorf("usage: key <combo>")
		}
		surface.Dispatch(parseCombo(args[0], now))
	case "answer":
		if len(args) != 2 {
			return fmt.Errorf("usage: answer <question> <choice>")
		}
		return sess.RecordAnswer(args[0], model.Answer{Kind: model.AnswerKindChoice, Value: args[1]})
	case "text":
		if len(args) < 2 {
			return fmt.Errorf("usage: text <question> <text>")
		}
		return sess.RecordAnswer(args[0], model.Answer{Kind: model.AnswerKindText, Value: strings.Join(args[1:], " ")})
	case "file":
		if len(args) != 2 {
			return fmt.Errorf("usage: file <question> <path>")
		}
		f, err := answerfile.ReadFile(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		af, err := sess.UploadAnswerFile(ctx, args[0], f)
		if err != nil {
			return err
		}
		out.emit("file_uploaded", af)
	case "attach":
		if len(args) != 1 {
			return fmt.Errorf("usage: attach <path>")
		}
		f, err := answerfile.ReadFile(args[0])
		if err != nil {
			return err
		}
		return sess.AttachFinalFile(f)
	case "status":
		out.emit("status", sess.Snapshot())
	case "submit":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		outcome, err := sess.Submit(ctx, true)
		if err != nil {
			return err
		}
		out.emit("submitted", outcome)
	case "quit":
		sess.Teardown()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

var signalCommands = map[string]violation.SignalKind{
	"hide":             violation.SignalVisibilityHidden,
	"show":             violation.SignalVisibilityVisible,
	"blur":             violation.SignalBlur,
	"focus":            violation.SignalFocus,
	"contextmenu":      violation.SignalContextMenu,
	"select":           violation.SignalSelectStart,
	"copy":             violation.SignalCopy,
	"cut":              violation.SignalCut,
	"paste":            violation.SignalPaste,
	"fullscreen-exit":  violation.SignalFullscreenExit,
	"fullscreen-enter": violation.SignalFullscreenEnter,
	"devtools":         violation.SignalDevTools,
	"refresh":          violation.SignalBeforeUnload,
	"back":             violation.SignalPopState,
}

// parseCombo turns "ctrl+shift+i" into a keydown signal.
func parseCombo(combo string, at time.Time) violation.Signal {
	sig := violation.Signal{Kind: violation.SignalKeyDown, At: at}
	parts := strings.Split(combo, "+")
	for _, p := range parts[:len(parts)-1] {
		switch strings.ToLower(p) {
		case "ctrl", "control":
			sig.Ctrl = true
		case "meta", "cmd":
			sig.Meta = true
		case "shift":
			sig.Shift = true
		case "alt":
			sig.Alt = true
		}
	}
	sig.Key = parts[len(parts)-1]
	return sig
}

// eventWriter prints session events as JSON lines and doubles as the
// session notifier.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type eventLine struct {
	Event string      `json:"event"`
	At    time.Time   `json:"at"`
	Data  interface{} `json:"data,omitempty"`
}

func (w *eventWriter) emit(event string, data interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(eventLine{Event: event, At: time.Now().UTC(), Data: data})
}

func (w *eventWriter) Warning(message string) {
	w.emit("warning", map[string]string{"message": message})
}

func (w *eventWriter) Violation(v model.ViolationLog) { w.emit("violation", v) }

func (w *eventWriter) Disqualified(reason string) {
	w.emit("disqualified", map[string]string{"reason": reason})
}

func (w *eventWriter) Finished(status model.AttemptStatus, reason string) {
	w.emit("attempt_finished", map[string]string{"status": string(status), "reason": reason})
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
