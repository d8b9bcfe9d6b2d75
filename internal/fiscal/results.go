package fiscal

import (
	"encoding/json"
	"strings"
	"time"
)

// Status mode codes shared by both device families.
const (
	StatusOpenSession    = 2
	StatusExpiredSession = 3
	StatusClosedSession  = 4
)

// StatusResult is a point-in-time snapshot of a device.
type StatusResult struct {
	Type             string          `json:"type"`
	IsOnline         bool            `json:"isOnline"`
	FrDateTime       time.Time       `json:"frDateTime"`
	INN              string          `json:"inn"`
	SerialNumber     string          `json:"serialNumber"`
	RegNumber        string          `json:"regNumber,omitempty"`
	StorageNumber    string          `json:"storageNumber,omitempty"`
	CurrentDocNumber *int            `json:"currentDocNumber"`
	CurrentSession   int             `json:"currentSession"`
	ModeFR           int             `json:"modeFR"`
	SubModeFR        int             `json:"subModeFR"`
	ErrorCode        int             `json:"errorCode"`
	StatusMessage    string          `json:"statusMessage,omitempty"`
	AppVersion       string          `json:"appVersion"`
	Status           json.RawMessage `json:"status,omitempty"`
}

// NewStatusResult makes a status snapshot with its wire type set.
func NewStatusResult() *StatusResult {
	return &StatusResult{Type: "STATUS"}
}

// IsSessionClosed reports whether the session has to be reopened before
// registering. Historically keyed on the expired mode.
func (s *StatusResult) IsSessionClosed() bool { return s.ModeFR == StatusExpiredSession }

// IsRegistered reports whether the device has ever produced a fiscal
// document.
func (s *StatusResult) IsRegistered() bool { return s.CurrentDocNumber != nil }

// IsStorageAttached reports whether a fiscal storage module is present.
func (s *StatusResult) IsStorageAttached() bool {
	return strings.TrimSpace(s.StorageNumber) != ""
}

// DocNumber is a convenience accessor; zero when not registered.
func (s *StatusResult) DocNumber() int {
	if s.CurrentDocNumber == nil {
		return 0
	}
	return *s.CurrentDocNumber
}

// Registration carries the attributes of a freshly issued fiscal document.
type Registration struct {
	IssueID      string    `json:"issueID"`
	Signature    string    `json:"signature"`
	DocNo        string    `json:"docNo"`
	RegDate      time.Time `json:"regDate"`
	SessionCheck int       `json:"sessionCheck"`
}

// RegistrationResult is a status snapshot plus the registration outcome.
type RegistrationResult struct {
	StatusResult
	Registration *Registration `json:"registration,omitempty"`
}

func NewRegistrationResult() *RegistrationResult {
	return &RegistrationResult{StatusResult: StatusResult{Type: "REGISTRATION"}}
}

// Apply copies status fields from a snapshot into the result, keeping the
// result's own type and registration payload.
func (r *RegistrationResult) Apply(s *StatusResult) *RegistrationResult {
	r.IsOnline = s.IsOnline
	r.ErrorCode = s.ErrorCode
	r.CurrentDocNumber = s.CurrentDocNumber
	r.CurrentSession = s.CurrentSession
	r.FrDateTime = s.FrDateTime
	r.INN = s.INN
	r.ModeFR = s.ModeFR
	r.SubModeFR = s.SubModeFR
	r.SerialNumber = s.SerialNumber
	r.RegNumber = s.RegNumber
	r.StorageNumber = s.StorageNumber
	r.StatusMessage = s.StatusMessage
	r.AppVersion = s.AppVersion
	r.Status = s.Status
	return r
}

// Document is a previously issued fiscal document fetched by number.
type Document struct {
	TaxNumber     string          `json:"taxNumber"`
	RegNumber     string          `json:"regNumber"`
	SerialNumber  string          `json:"serialNumber"`
	StorageNumber string          `json:"storageNumber"`
	DocNumber     string          `json:"docNumber"`
	DocDate       time.Time       `json:"docDate"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SelectResult is a status snapshot plus a selected document.
type SelectResult struct {
	StatusResult
	Document *Document `json:"document,omitempty"`
}

func NewSelectResult() *SelectResult {
	return &SelectResult{StatusResult: StatusResult{Type: "SELECT"}}
}
