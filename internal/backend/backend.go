// Package backend talks to the e-commerce backend that issues fiscalization
// commands for the cash machines this bridge drives.
package backend

import (
	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

// CommandType is what the backend wants done next.
type CommandType string

const (
	CommandNone         CommandType = "NONE"
	CommandRegister     CommandType = "REGISTER"
	CommandCloseSession CommandType = "CLOSE_SESSION"
	CommandSelectDoc    CommandType = "SELECT_DOC"
)

// Command is one instruction for one cash machine. CcmID is stamped by the
// client, not sent by the backend.
type Command struct {
	Command        CommandType   `json:"command"`
	IssueID        int64         `json:"issueID"`
	Order          *fiscal.Order `json:"order,omitempty"`
	DocumentNumber string        `json:"documentNumber,omitempty"`

	CcmID string `json:"-"`
}

// Gateway is the backend contract: every report returns the next command for
// the machine, which may itself be CLOSE_SESSION.
type Gateway interface {
	// Status reports a device snapshot and fetches the pending command.
	Status(ccmID string, status *fiscal.StatusResult) (*Command, error)
	// Registered confirms a completed registration.
	Registered(ccmID string, issueID int64, result *fiscal.RegistrationResult) (*Command, error)
	// Selected delivers a document the backend asked for.
	Selected(ccmID string, issueID int64, result *fiscal.SelectResult) (*Command, error)
	// Error reports a fiscal failure for an issue.
	Error(ccmID string, issueID int64, ferr *fiscal.Error) (*Command, error)
}
