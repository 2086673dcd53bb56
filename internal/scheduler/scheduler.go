// Package scheduler drives the periodic sync passes for one account:
// a full pass when the corpus is empty, then incremental and unread
// passes every poll interval. It is the single writer of account.json.
package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/imapcli"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/syncer"
)

// Runner executes one sync pass. Implemented by syncer.Syncer.
type Runner interface {
	Run(ctx context.Context, kind model.SyncKind, state model.AccountState) (syncer.Stats, error)
}

// Scheduler owns the sync cadence for one account.
type Scheduler struct {
	res     paths.Resolver
	account string
	sync    Runner
	log     zerolog.Logger

	mu         sync.Mutex
	running    bool
	authHalted bool
}

// New builds a scheduler around a ready syncer.
func New(res paths.Resolver, account string, s Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{res: res, account: account, sync: s, log: log}
}

// LoadState reads account.json, initializing defaults on first run.
func (s *Scheduler) LoadState() (model.AccountState, error) {
	var state model.AccountState
	err := atomicio.ReadJSON(s.res.AccountStateFile(s.account), &state)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.DefaultAccountState(s.account), nil
		}
		return state, err
	}
	if state.PollIntervalSeconds <= 0 {
		state.PollIntervalSeconds = 60
	}
	if state.SyncDepthDays <= 0 {
		state.SyncDepthDays = 30
	}
	return state, nil
}

func (s *Scheduler) saveState(state model.AccountState) {
	if err := atomicio.WriteJSON(s.res.AccountStateFile(s.account), state); err != nil {
		s.log.Error().Err(err).Msg("could not persist account state")
	}
}

// Run loops until the context is canceled. The first pass is full when
// no UID watermark exists, incremental otherwise; every pass is
// followed by an unread refresh.
func (s *Scheduler) Run(ctx context.Context) error {
	state, err := s.LoadState()
	if err != nil {
		return err
	}

	interval := time.Duration(state.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, &state)
	for {
		select {
		case <-ctx.Done():
			state.SyncState = model.SyncStateIdle
			s.saveState(state)
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, &state)
		}
	}
}

// SyncNow runs a single pass of the given kind, outside the ticker.
// Returns false when a pass is already in flight. A manual trigger
// counts as reconfiguration, so a prior auth halt is lifted.
func (s *Scheduler) SyncNow(ctx context.Context, kind model.SyncKind) (bool, error) {
	if !s.tryAcquire() {
		return false, nil
	}
	defer s.release()

	s.mu.Lock()
	s.authHalted = false
	s.mu.Unlock()

	state, err := s.LoadState()
	if err != nil {
		return true, err
	}
	err = s.runPass(ctx, kind, &state)
	s.saveState(state)
	return true, err
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) isAuthHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authHalted
}

// tick runs one scheduled cycle. A pass still in flight from a manual
// trigger skips the cycle instead of stacking; after an auth failure
// the loop idles until a manual sync resets it.
func (s *Scheduler) tick(ctx context.Context, state *model.AccountState) {
	if s.isAuthHalted() {
		s.log.Debug().Msg("sync halted after auth failure, skipping tick")
		return
	}
	if !s.tryAcquire() {
		s.log.Debug().Msg("sync already running, skipping tick")
		return
	}
	defer s.release()

	kind := model.SyncIncremental
	if state.LastUID == 0 {
		kind = model.SyncFull
	}
	if err := s.runPass(ctx, kind, state); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.saveState(*state)
		return
	}

	if err := s.runPass(ctx, model.SyncUnread, state); err != nil && ctx.Err() != nil {
		return
	}
	s.saveState(*state)
}

func (s *Scheduler) runPass(ctx context.Context, kind model.SyncKind, state *model.AccountState) error {
	state.SyncState = model.SyncStateSyncing
	s.saveState(*state)

	start := time.Now()
	stats, err := s.sync.Run(ctx, kind, *state)
	if err != nil {
		state.SyncState = model.SyncStateError
		if errors.Is(err, imapcli.ErrAuth) {
			s.mu.Lock()
			s.authHalted = true
			s.mu.Unlock()
			s.log.Error().Err(err).Msg("authentication failed, sync paused until reconfigured")
		} else {
			s.log.Error().Str("kind", string(kind)).Err(err).Msg("sync pass failed")
		}
		return err
	}

	now := time.Now().UTC()
	state.LastSync = &now
	if stats.MaxUID > state.LastUID {
		state.LastUID = stats.MaxUID
	}
	state.SyncState = model.SyncStateIdle
	s.log.Info().Str("kind", string(kind)).
		Int("threads", stats.ThreadsTouched).
		Int("messages", stats.MessagesWritten).
		Dur("took", time.Since(start)).
		Msg("sync pass complete")
	return nil
}
