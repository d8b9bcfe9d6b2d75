// Package dispatch runs the polling loop: report device status to the
// backend, execute whatever command comes back, repeat.
package dispatch

import (
	"errors"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/backend"
	"github.com/Unlocker/ecomkassa-frws/internal/core"
	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

// Journal records completed rounds. Satisfied by core.RoundStore.
type Journal interface {
	Record(rec core.RoundRecord) error
}

// Health feeds round outcomes into backend circuit breaking. Satisfied by
// core.PollGovernor.
type Health interface {
	RecordSuccess()
	RecordFailure()
}

// Task is one sweep over all configured cash machines. Machines are visited
// in order and the sweep stops at the first one that did real work, so a
// busy machine cannot starve the poll interval.
type Task struct {
	logger     *log.Logger
	device     fiscal.Gateway
	backend    backend.Gateway
	journal    Journal
	health     Health
	ccmIDs     []string
	onComplete func(hit bool)
}

func NewTask(logger *log.Logger, device fiscal.Gateway, bg backend.Gateway, ccmIDs []string) *Task {
	return &Task{
		logger:  logger,
		device:  device,
		backend: bg,
		ccmIDs:  ccmIDs,
	}
}

// WithJournal makes the task record every round.
func (t *Task) WithJournal(journal Journal) *Task {
	t.journal = journal
	return t
}

// WithHealth reports backend reachability per round.
func (t *Task) WithHealth(health Health) *Task {
	t.health = health
	return t
}

// WithCompletion sets a callback fired exactly once per sweep.
func (t *Task) WithCompletion(fn func(hit bool)) *Task {
	t.onComplete = fn
	return t
}

// Run performs one sweep.
func (t *Task) Run() {
	hit := false
	defer func() {
		if t.onComplete != nil {
			t.onComplete(hit)
		}
	}()
	for _, ccmID := range t.ccmIDs {
		if t.round(ccmID) {
			hit = true
			return
		}
	}
}

// round polls one machine and journals the outcome.
func (t *Task) round(ccmID string) bool {
	start := time.Now()
	rec := core.RoundRecord{
		CcmID:     ccmID,
		Command:   string(backend.CommandNone),
		StartedAt: start,
	}
	hit := t.poll(ccmID, &rec)
	rec.Hit = hit
	rec.Duration = time.Since(start)
	if t.journal != nil {
		if err := t.journal.Record(rec); err != nil {
			t.logger.Warningf("Failed to journal round for machine %s: %v", ccmID, err)
		}
	}
	return hit
}

func (t *Task) poll(ccmID string, rec *core.RoundRecord) bool {
	st, err := t.device.Status()
	if err != nil {
		rec.StatusMessage = err.Error()
		t.logger.Errorf("Status of machine %s failed: %v", ccmID, err)
		return false
	}

	cmd, err := t.backend.Status(ccmID, st)
	if err != nil {
		rec.StatusMessage = err.Error()
		t.logger.Errorf("Backend poll for machine %s failed: %v", ccmID, err)
		if t.health != nil {
			t.health.RecordFailure()
		}
		return false
	}
	if t.health != nil {
		t.health.RecordSuccess()
	}
	if cmd == nil {
		return false
	}
	rec.Command = string(cmd.Command)
	rec.IssueID = cmd.IssueID

	switch cmd.Command {
	case backend.CommandNone:
		return false
	case backend.CommandRegister:
		return t.register(ccmID, cmd, st, rec)
	case backend.CommandSelectDoc:
		return t.selectDoc(ccmID, cmd, rec)
	case backend.CommandCloseSession:
		if _, err := t.device.CloseSession(); err != nil {
			t.reportError(ccmID, cmd, err, rec)
		}
		return false
	default:
		t.logger.Warningf("Backend sent unknown command %q for machine %s", cmd.Command, ccmID)
		return false
	}
}

func (t *Task) register(ccmID string, cmd *backend.Command, st *fiscal.StatusResult, rec *core.RoundRecord) bool {
	openSession := st.ModeFR == fiscal.StatusClosedSession
	res, err := t.device.Register(cmd.Order, cmd.IssueID, openSession)
	if err != nil {
		t.reportError(ccmID, cmd, err, rec)
		return false
	}

	next, err := t.backend.Registered(ccmID, cmd.IssueID, res)
	if err != nil {
		rec.StatusMessage = err.Error()
		t.logger.Errorf("Registration report for machine %s failed: %v", ccmID, err)
		return false
	}
	t.followUp(ccmID, next)
	return true
}

func (t *Task) selectDoc(ccmID string, cmd *backend.Command, rec *core.RoundRecord) bool {
	res, err := t.device.SelectDoc(cmd.DocumentNumber)
	if err != nil {
		t.reportError(ccmID, cmd, err, rec)
		return false
	}

	next, err := t.backend.Selected(ccmID, cmd.IssueID, res)
	if err != nil {
		rec.StatusMessage = err.Error()
		t.logger.Errorf("Document report for machine %s failed: %v", ccmID, err)
		return false
	}
	t.followUp(ccmID, next)
	return true
}

// followUp handles the backend's reply to a completed operation.
func (t *Task) followUp(ccmID string, next *backend.Command) {
	if next == nil || next.Command != backend.CommandCloseSession {
		return
	}
	if _, err := t.device.CloseSession(); err != nil {
		t.logger.Errorf("Session close requested by backend failed on machine %s: %v", ccmID, err)
	}
}

// reportError routes a failure to its destination: structured fiscal errors
// go back to the backend against their issue, everything else only gets
// logged locally. The backend's reply to an error report may itself demand a
// session close.
func (t *Task) reportError(ccmID string, cmd *backend.Command, err error, rec *core.RoundRecord) {
	var ferr *fiscal.Error
	if errors.As(err, &ferr) && cmd != nil {
		rec.ErrorCode = ferr.Code
		rec.StatusMessage = ferr.Message
		next, rerr := t.backend.Error(ccmID, cmd.IssueID, ferr)
		if rerr != nil {
			t.logger.Errorf("Failed to report fiscal error for machine %s: %v", ccmID, rerr)
			return
		}
		t.followUp(ccmID, next)
		return
	}
	rec.StatusMessage = err.Error()
	t.logger.Errorf("Round for machine %s failed: %v", ccmID, err)
}
