package fiscal

import (
	"fmt"
	"net/http"

	"github.com/eencloud/goeen/log"
)

// Gateway is the contract every fiscal registrar adapter implements. Callers
// depend on this interface only, never on a concrete device package.
type Gateway interface {
	// Register issues a fiscal document for an order. When openSession is
	// set, a session is opened first.
	Register(order *Order, issueID int64, openSession bool) (*RegistrationResult, error)
	// OpenSession opens an accounting session and returns a fresh status.
	OpenSession() (*StatusResult, error)
	// CloseSession closes the session (Z-report) and returns a fresh status.
	CloseSession() (*StatusResult, error)
	// CloseArchive closes the fiscal storage archive.
	CloseArchive() (*StatusResult, error)
	// CancelCheck cancels the currently open check.
	CancelCheck() (*StatusResult, error)
	// Status fetches a point-in-time device status.
	Status() (*StatusResult, error)
	// SelectDoc retrieves a previously issued document by its number.
	SelectDoc(documentNumber string) (*SelectResult, error)
	// Fiscalize passes a free-form document through to the device and
	// returns the raw response body.
	Fiscalize(data map[string]any) (string, error)
}

// ContinuePrinter is implemented by devices that can resume an interrupted
// printout.
type ContinuePrinter interface {
	ContinuePrint() (*StatusResult, error)
}

// Config carries everything an adapter needs at construction time.
type Config struct {
	Host       string
	Port       int
	AppVersion string
	// Encoding selects the on-wire character set for legacy socket devices
	// ("utf-8" or "windows-1251").
	Encoding string
	// Client is used by HTTP device adapters; a default client is used when
	// nil.
	Client *http.Client
}

// NewFunc builds a gateway for one device kind.
type NewFunc func(logger *log.Logger, cfg Config) (Gateway, error)

var gatewayRegistry = make(map[string]NewFunc)

// Register adds a device adapter constructor to the registry. Called from
// adapter package init() functions.
func Register(kind string, newFunc NewFunc) {
	if _, exists := gatewayRegistry[kind]; exists {
		return
	}
	gatewayRegistry[kind] = newFunc
}

// New builds a gateway of the given device kind.
func New(kind string, logger *log.Logger, cfg Config) (Gateway, error) {
	newFunc, exists := gatewayRegistry[kind]
	if !exists {
		return nil, fmt.Errorf("no fiscal device registered with kind: %s", kind)
	}
	return newFunc(logger, cfg)
}
