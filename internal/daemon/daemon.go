// Package daemon supervises the long-running process: it claims the
// pid file, wires the per-account scheduler and outbox watcher, and
// shuts everything down cleanly on SIGINT or SIGTERM.
package daemon

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/maildeck/maildeck/internal/config"
	"github.com/maildeck/maildeck/internal/imapcli"
	"github.com/maildeck/maildeck/internal/logging"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/outbox"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/scheduler"
	"github.com/maildeck/maildeck/internal/smtpout"
	"github.com/maildeck/maildeck/internal/storage"
	"github.com/maildeck/maildeck/internal/syncer"
	"github.com/maildeck/maildeck/internal/threadgroup"
)

// Options configure a daemon run. Account, when set, restricts the
// daemon to that one account instead of every configured account.
type Options struct {
	MarkSeen bool
	Account  string
}

// Daemon is the supervisor for one corpus base directory.
type Daemon struct {
	res  paths.Resolver
	opts Options
	log  zerolog.Logger
}

// New builds a daemon rooted at the resolver's base.
func New(res paths.Resolver, opts Options) *Daemon {
	return &Daemon{res: res, opts: opts, log: logging.WithComponent("daemon")}
}

// Run blocks until a shutdown signal arrives or startup fails. It is
// the only entry point that claims the pid file. Every configured
// account gets its own scheduler and outbox watcher; accounts without
// credentials are skipped with a warning.
func (d *Daemon) Run(ctx context.Context) error {
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	if err := config.EnsureAccount(d.res, creds.Email); err != nil {
		return err
	}
	cfg, err := config.Load(d.res)
	if err != nil {
		return err
	}

	accounts := cfg.Accounts
	if d.opts.Account != "" {
		accounts = []string{d.opts.Account}
	}

	if err := AcquirePIDFile(d.res.PIDFile()); err != nil {
		return err
	}
	defer ReleasePIDFile(d.res.PIDFile())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.log.Info().Strs("accounts", accounts).Str("base", d.res.Base()).Msg("daemon starting")

	var (
		wg     sync.WaitGroup
		scheds []*scheduler.Scheduler
	)
	for _, account := range accounts {
		ac, err := config.CredentialsFor(account)
		if err != nil {
			d.log.Warn().Str("account", account).Err(err).Msg("account skipped")
			continue
		}
		sched, watcher, journal, err := d.wireAccount(account, ac, cfg)
		if err != nil {
			d.log.Error().Str("account", account).Err(err).Msg("account wiring failed, skipped")
			continue
		}
		defer journal.Close()
		scheds = append(scheds, sched)

		wg.Add(2)
		go func(account string) {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				d.log.Error().Str("account", account).Err(err).Msg("scheduler stopped")
				stop()
			}
		}(account)
		go func(account string) {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				d.log.Error().Str("account", account).Err(err).Msg("outbox watcher stopped")
				stop()
			}
		}(account)
	}
	if len(scheds) == 0 {
		return eris.New("no account has usable credentials")
	}

	// SIGUSR1 triggers an immediate incremental pass (the sync command
	// sends it when the daemon is already running).
	kick := make(chan os.Signal, 1)
	signal.Notify(kick, syscall.SIGUSR1)
	defer signal.Stop(kick)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
				for _, sched := range scheds {
					if ran, err := sched.SyncNow(ctx, model.SyncIncremental); err != nil {
						d.log.Error().Err(err).Msg("triggered sync failed")
					} else if !ran {
						d.log.Info().Msg("triggered sync skipped, pass already running")
					}
				}
			}
		}
	}()

	<-ctx.Done()
	d.log.Info().Msg("daemon shutting down")
	wg.Wait()
	return nil
}

func (d *Daemon) wireAccount(account string, creds config.Credentials, cfg model.Config) (*scheduler.Scheduler, *outbox.Watcher, *syncer.Journal, error) {
	alog := func(component string) zerolog.Logger {
		return logging.WithComponent(component).With().Str("account", account).Logger()
	}

	writer := storage.NewWriter(d.res, account, alog("storage"))
	grouper := threadgroup.New(d.res, account, alog("threads"))
	if err := grouper.Load(); err != nil {
		return nil, nil, nil, err
	}

	journal, err := syncer.OpenJournal(d.res.SyncJournalFile(account))
	if err != nil {
		return nil, nil, nil, err
	}

	sy := syncer.New(syncer.Options{
		Account: account,
		IMAP: imapcli.Options{
			Username: creds.Email,
			Password: creds.AppPassword,
		},
		MarkSeen: d.opts.MarkSeen,
	}, d.res, writer, grouper, journal, alog("syncer"))

	sched := scheduler.New(d.res, account, sy, alog("scheduler"))
	sender := smtpout.NewSender(creds.Email, creds.AppPassword,
		d.res.SignatureFile(account), alog("smtp"))
	watcher := outbox.NewWatcher(d.res, account, sender, cfg.ReviewBeforeSend,
		grouper.Register, alog("outbox"))
	return sched, watcher, journal, nil
}

// Status describes the running daemon for the status command.
type Status struct {
	Running  bool            `json:"running"`
	PID      int             `json:"pid,omitempty"`
	Base     string          `json:"base"`
	Accounts []AccountStatus `json:"accounts,omitempty"`
}

// AccountStatus is one account's sync state as persisted on disk.
type AccountStatus struct {
	Email     string `json:"email"`
	SyncState string `json:"sync_state"`
	LastSync  string `json:"last_sync,omitempty"`
	LastUID   uint64 `json:"last_uid"`
}

// CurrentStatus inspects the pid file and account state files.
func CurrentStatus(res paths.Resolver) Status {
	st := Status{Base: res.Base()}
	if pid := ReadPID(res.PIDFile()); pid != 0 && ProcessAlive(pid) {
		st.Running = true
		st.PID = pid
	}

	cfg, err := config.Load(res)
	if err != nil {
		return st
	}
	for _, account := range cfg.Accounts {
		as := AccountStatus{Email: account, SyncState: "unknown"}
		var state struct {
			LastSync  *string `json:"last_sync"`
			LastUID   uint64  `json:"last_uid"`
			SyncState string  `json:"sync_state"`
		}
		if data, rerr := os.ReadFile(res.AccountStateFile(account)); rerr == nil {
			if jerr := json.Unmarshal(data, &state); jerr == nil {
				as.SyncState = state.SyncState
				as.LastUID = state.LastUID
				if state.LastSync != nil {
					as.LastSync = *state.LastSync
				}
			}
		}
		st.Accounts = append(st.Accounts, as)
	}
	return st
}
