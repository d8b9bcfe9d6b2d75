// Package mock is a stand-in fiscal device for development and integration
// runs against a live backend. Every operation succeeds and is logged.
package mock

import (
	"fmt"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

func init() {
	fiscal.Register("mock", New)
}

// Gateway fakes a registered device with an open session.
type Gateway struct {
	logger     *log.Logger
	appVersion string

	mu        sync.Mutex
	docNumber int
	session   int
}

func New(logger *log.Logger, cfg fiscal.Config) (fiscal.Gateway, error) {
	return &Gateway{
		logger:     logger,
		appVersion: cfg.AppVersion,
		docNumber:  1,
		session:    1,
	}, nil
}

func (g *Gateway) snapshot() *fiscal.StatusResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	docNumber := g.docNumber
	st := fiscal.NewStatusResult()
	st.IsOnline = true
	st.FrDateTime = time.Now()
	st.INN = "0000000000"
	st.SerialNumber = "MOCK-0001"
	st.RegNumber = "0000000000000000"
	st.StorageNumber = "9999999999999999"
	st.CurrentDocNumber = &docNumber
	st.CurrentSession = g.session
	st.ModeFR = fiscal.StatusOpenSession
	st.AppVersion = g.appVersion
	return st
}

func (g *Gateway) Status() (*fiscal.StatusResult, error) {
	g.logger.Infof("mock status requested")
	return g.snapshot(), nil
}

func (g *Gateway) Register(order *fiscal.Order, issueID int64, openSession bool) (*fiscal.RegistrationResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.docNumber++
	docNo := g.docNumber
	g.mu.Unlock()
	g.logger.Infof("mock registration of order %d, issue %d, open session %t", order.ID, issueID, openSession)

	res := fiscal.NewRegistrationResult()
	res.Apply(g.snapshot())
	res.Registration = &fiscal.Registration{
		IssueID:      fmt.Sprintf("%d", issueID),
		Signature:    fmt.Sprintf("%010d", docNo),
		DocNo:        fmt.Sprintf("%d", docNo),
		RegDate:      time.Now(),
		SessionCheck: docNo,
	}
	return res, nil
}

func (g *Gateway) OpenSession() (*fiscal.StatusResult, error) {
	g.logger.Infof("mock session opened")
	return g.snapshot(), nil
}

func (g *Gateway) CloseSession() (*fiscal.StatusResult, error) {
	g.mu.Lock()
	g.session++
	g.mu.Unlock()
	g.logger.Infof("mock session closed")
	return g.snapshot(), nil
}

func (g *Gateway) CloseArchive() (*fiscal.StatusResult, error) {
	g.logger.Infof("mock archive closed")
	return g.snapshot(), nil
}

func (g *Gateway) CancelCheck() (*fiscal.StatusResult, error) {
	g.logger.Infof("mock check cancelled")
	return g.snapshot(), nil
}

func (g *Gateway) SelectDoc(documentNumber string) (*fiscal.SelectResult, error) {
	g.logger.Infof("mock document %s selected", documentNumber)
	res := fiscal.NewSelectResult()
	res.StatusResult = *g.snapshot()
	res.Type = "SELECT"
	res.Document = &fiscal.Document{
		TaxNumber:     "0000000000",
		RegNumber:     "0000000000000000",
		SerialNumber:  "MOCK-0001",
		StorageNumber: "9999999999999999",
		DocNumber:     documentNumber,
		DocDate:       time.Now(),
	}
	return res, nil
}

func (g *Gateway) Fiscalize(data map[string]any) (string, error) {
	g.logger.Infof("mock fiscalize of %d keys", len(data))
	return `{"document": {"result": 0}}`, nil
}
