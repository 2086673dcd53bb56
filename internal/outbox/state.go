// Package outbox implements the draft lifecycle: JSON files dropped
// into outbox/ move through pending_review, ready_to_send, sending, and
// finally into sent/ or failed/. The watcher half of the package reacts
// to filesystem events; this half owns validation and transitions.
package outbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/model"
)

var validate = validator.New()

// ErrInvalidTransition marks a status edge the state machine forbids.
var ErrInvalidTransition = errors.New("invalid draft transition")

// validTransitions enumerates the allowed status edges. Terminal
// states have no outgoing edges, and only a dispatch attempt can fail a
// draft; a draft found in "sending" after a crash is failed, never
// re-sent, so dispatch stays at-most-once.
var validTransitions = map[model.DraftStatus][]model.DraftStatus{
	model.StatusPendingReview: {model.StatusReadyToSend},
	model.StatusReadyToSend:   {model.StatusSending},
	model.StatusSending:       {model.StatusSent, model.StatusFailed},
}

// CanTransition reports whether moving a draft from one status to
// another is allowed.
func CanTransition(from, to model.DraftStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LoadDraft reads and validates a draft file. Validation errors are
// returned alongside the draft so the caller can fail it with a
// readable reason.
func LoadDraft(path string) (model.Draft, error) {
	var d model.Draft
	if err := atomicio.ReadJSON(path, &d); err != nil {
		return d, eris.Wrapf(err, "draft %s", filepath.Base(path))
	}
	if err := validate.Struct(d); err != nil {
		return d, eris.Wrapf(err, "draft %s invalid", filepath.Base(path))
	}
	return d, nil
}

// SaveDraft rewrites the draft file atomically.
func SaveDraft(path string, d model.Draft) error {
	return atomicio.WriteJSON(path, d)
}

// Transition validates the status edge, applies it, and rewrites the
// file. Terminal metadata must be set by the caller before Transition.
func Transition(path string, d *model.Draft, to model.DraftStatus) error {
	if !CanTransition(d.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "draft %s: %s -> %s",
			filepath.Base(path), d.Status, to)
	}
	d.Status = to
	return SaveDraft(path, *d)
}

// MarkSent stamps the terminal success fields and moves the file to the
// sent directory.
func MarkSent(path, sentDir string, d *model.Draft, result model.SendResult) (string, error) {
	d.SentAt = time.Now().UTC().Format(time.RFC3339)
	d.ProviderMessageID = result.ProviderMessageID
	if err := Transition(path, d, model.StatusSent); err != nil {
		return "", err
	}
	return moveDraft(path, sentDir)
}

// MarkFailed stamps the terminal failure fields and moves the file to
// the failed directory. Only a draft in "sending" can fail; drafts that
// never validated stay in the outbox untouched.
func MarkFailed(path, failedDir string, d *model.Draft, cause error) (string, error) {
	d.FailedAt = time.Now().UTC().Format(time.RFC3339)
	if cause != nil {
		d.Error = cause.Error()
	}
	if err := Transition(path, d, model.StatusFailed); err != nil {
		return "", err
	}
	return moveDraft(path, failedDir)
}

func moveDraft(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "mkdir %s", dir)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		base := strings.TrimSuffix(filepath.Base(path), ".json")
		dest = filepath.Join(dir, base+"."+time.Now().UTC().Format("20060102T150405Z")+".json")
	}
	if err := os.Rename(path, dest); err != nil {
		return "", eris.Wrapf(err, "move draft to %s", dir)
	}
	return dest, nil
}
