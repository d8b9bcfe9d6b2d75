package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

const defaultTimeout = 30 * time.Second

// Audit receives raw request and response bodies. Satisfied by
// core.AuditLogger.
type Audit interface {
	Log(ccmID, direction string, payload []byte) error
}

// RestGateway is the production backend client. All reports go out as JSON
// POSTs under /api/qkkm/.
type RestGateway struct {
	logger  *log.Logger
	client  *http.Client
	rootURL string
	audit   Audit
}

// NewRestGateway builds a backend client for the given root URL, e.g.
// "https://app.ecomkassa.ru".
func NewRestGateway(logger *log.Logger, rootURL string, client *http.Client) *RestGateway {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &RestGateway{logger: logger, client: client, rootURL: rootURL}
}

// WithAudit makes the gateway record every exchange.
func (g *RestGateway) WithAudit(audit Audit) *RestGateway {
	g.audit = audit
	return g
}

func (g *RestGateway) Status(ccmID string, status *fiscal.StatusResult) (*Command, error) {
	query := url.Values{"ccmID": {ccmID}}
	return g.post("/api/qkkm/status", query, ccmID, status)
}

func (g *RestGateway) Registered(ccmID string, issueID int64, result *fiscal.RegistrationResult) (*Command, error) {
	query := url.Values{"ccmID": {ccmID}, "issueID": {fmt.Sprintf("%d", issueID)}}
	return g.post("/api/qkkm/registered", query, ccmID, result)
}

func (g *RestGateway) Selected(ccmID string, issueID int64, result *fiscal.SelectResult) (*Command, error) {
	query := url.Values{"ccmID": {ccmID}, "issueID": {fmt.Sprintf("%d", issueID)}}
	return g.post("/api/qkkm/select", query, ccmID, result)
}

// Error files a fiscal failure against its issue. The backend takes error
// reports on the registered endpoint; the payload shape tells them apart.
func (g *RestGateway) Error(ccmID string, issueID int64, ferr *fiscal.Error) (*Command, error) {
	query := url.Values{"ccmID": {ccmID}, "issueID": {fmt.Sprintf("%d", issueID)}}
	return g.post("/api/qkkm/registered", query, ccmID, ferr)
}

// post sends one report and decodes the backend's next command, stamping it
// with the machine it belongs to.
func (g *RestGateway) post(path string, query url.Values, ccmID string, payload any) (*Command, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend: encode %s payload: %w", path, err)
	}
	if g.audit != nil {
		if aerr := g.audit.Log(ccmID, "request", buf); aerr != nil {
			g.logger.Warningf("Audit write failed: %v", aerr)
		}
	}
	target := g.rootURL + path + "?" + query.Encode()
	resp, err := g.client.Post(target, "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read %s response: %w", path, err)
	}
	if g.audit != nil {
		if aerr := g.audit.Log(ccmID, "response", body); aerr != nil {
			g.logger.Warningf("Audit write failed: %v", aerr)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend: %s returned HTTP %d", path, resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	cmd.CcmID = ccmID
	return &cmd, nil
}
