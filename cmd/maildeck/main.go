// Command maildeck manages the local mail corpus daemon. Every command
// prints exactly one JSON line on stdout so agents can parse results
// without scraping logs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maildeck/maildeck/internal/config"
	"github.com/maildeck/maildeck/internal/daemon"
	"github.com/maildeck/maildeck/internal/imapcli"
	"github.com/maildeck/maildeck/internal/logging"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/scheduler"
	"github.com/maildeck/maildeck/internal/storage"
	"github.com/maildeck/maildeck/internal/syncer"
	"github.com/maildeck/maildeck/internal/threadgroup"
)

var (
	flagBase     string
	flagVerbose  bool
	flagMarkSeen bool
	flagAccount  string
)

func main() {
	root := &cobra.Command{
		Use:           "maildeck",
		Short:         "Local, filesystem-native Gmail mirror and outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagBase, "base", "", "corpus base directory (default ~/.maildeck)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(startCmd(), stopCmd(), statusCmd(), syncCmd(), daemonCmd())

	if err := root.Execute(); err != nil {
		emit(map[string]any{"ok": false, "error": err.Error()})
		os.Exit(1)
	}
}

// emit prints the single JSON result line.
func emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}

func resolver() paths.Resolver { return paths.New(flagBase) }

func initLogging(res paths.Resolver) error {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return logging.Init(res.LogFile(), flagVerbose, level)
}

func startCmd() *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			res := resolver()
			if pid := daemon.ReadPID(res.PIDFile()); pid != 0 && daemon.ProcessAlive(pid) {
				emit(map[string]any{"ok": true, "started": false, "pid": pid, "note": "already running"})
				return nil
			}

			if foreground {
				return runDaemon(res)
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			child := exec.Command(exe, childArgs()...)
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			child.Stdout = nil
			child.Stderr = nil
			if err := child.Start(); err != nil {
				return err
			}
			pid := child.Process.Pid
			if err := child.Process.Release(); err != nil {
				return err
			}

			// Give the child a moment to fail fast on bad credentials.
			time.Sleep(500 * time.Millisecond)
			if !daemon.ProcessAlive(pid) {
				return fmt.Errorf("daemon exited immediately, check %s", res.LogFile())
			}
			emit(map[string]any{"ok": true, "started": true, "pid": pid})
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of detaching")
	cmd.Flags().BoolVar(&flagMarkSeen, "mark-seen", false, "mark mirrored unread messages as read on the server")
	cmd.Flags().StringVar(&flagAccount, "account", "", "serve only this configured account")
	return cmd
}

func childArgs() []string {
	args := []string{"daemon"}
	if flagBase != "" {
		args = append(args, "--base", flagBase)
	}
	if flagMarkSeen {
		args = append(args, "--mark-seen")
	}
	if flagAccount != "" {
		args = append(args, "--account", flagAccount)
	}
	return args
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "daemon",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(resolver())
		},
	}
	cmd.Flags().BoolVar(&flagMarkSeen, "mark-seen", false, "")
	cmd.Flags().StringVar(&flagAccount, "account", "", "")
	return cmd
}

func runDaemon(res paths.Resolver) error {
	if err := initLogging(res); err != nil {
		return err
	}
	defer logging.Close()
	d := daemon.New(res, daemon.Options{MarkSeen: flagMarkSeen, Account: flagAccount})
	return d.Run(context.Background())
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			res := resolver()
			if err := daemon.SignalDaemon(res.PIDFile(), syscall.SIGTERM); err != nil {
				return err
			}
			emit(map[string]any{"ok": true, "stopped": true})
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report daemon and account state",
		RunE: func(cmd *cobra.Command, args []string) error {
			emit(daemon.CurrentStatus(resolver()))
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		full   bool
		unread bool
		days   int
		max    int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if full && unread {
				return fmt.Errorf("--full and --unread are mutually exclusive")
			}
			res := resolver()

			kind := model.SyncIncremental
			switch {
			case full:
				kind = model.SyncFull
			case unread:
				kind = model.SyncUnread
			}

			// A running daemon owns the connection; nudge it instead of
			// competing with it.
			if pid := daemon.ReadPID(res.PIDFile()); pid != 0 && daemon.ProcessAlive(pid) {
				if err := daemon.SignalDaemon(res.PIDFile(), syscall.SIGUSR1); err != nil {
					return err
				}
				emit(map[string]any{"ok": true, "triggered": true, "pid": pid})
				return nil
			}

			if err := initLogging(res); err != nil {
				return err
			}
			defer logging.Close()

			var creds config.Credentials
			var err error
			if flagAccount != "" {
				creds, err = config.CredentialsFor(flagAccount)
			} else {
				creds, err = config.LoadCredentials()
			}
			if err != nil {
				return err
			}
			if err := config.EnsureAccount(res, creds.Email); err != nil {
				return err
			}
			account := creds.Email

			writer := storage.NewWriter(res, account, logging.WithComponent("storage"))
			grouper := threadgroup.New(res, account, logging.WithComponent("threads"))
			if err := grouper.Load(); err != nil {
				return err
			}
			journal, err := syncer.OpenJournal(res.SyncJournalFile(account))
			if err != nil {
				return err
			}
			defer journal.Close()

			sy := syncer.New(syncer.Options{
				Account:     account,
				IMAP:        imapcli.Options{Username: creds.Email, Password: creds.AppPassword},
				MarkSeen:    flagMarkSeen,
				DepthDays:   days,
				MaxMessages: max,
			}, res, writer, grouper, journal, logging.WithComponent("syncer"))
			sched := scheduler.New(res, account, sy, logging.WithComponent("scheduler"))

			if _, err := sched.SyncNow(cmd.Context(), kind); err != nil {
				return err
			}
			job, ok, _ := journal.LastJob(account)
			out := map[string]any{"ok": true, "kind": string(kind)}
			if ok {
				out["threads_touched"] = job.ThreadsTouched
				out["messages_written"] = job.MessagesWritten
			}
			emit(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "run a full window sync")
	cmd.Flags().BoolVar(&unread, "unread", false, "refresh unread INBOX messages only")
	cmd.Flags().IntVar(&days, "days", 0, "override the sync window depth in days")
	cmd.Flags().IntVar(&max, "max", 0, "cap the number of messages fetched")
	cmd.Flags().BoolVar(&flagMarkSeen, "mark-seen", false, "mark mirrored unread messages as read on the server")
	cmd.Flags().StringVar(&flagAccount, "account", "", "sync this configured account")
	return cmd
}
