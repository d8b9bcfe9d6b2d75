// Package umka drives Umka-family fiscal registrars over their local
// HTTP/JSON protocol.
package umka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/google/uuid"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

func init() {
	fiscal.Register("umka", New)
}

// rfc1123Layout matches the device's timestamp format. Day of month is not
// zero padded on the wire.
const rfc1123Layout = "Mon, 2 Jan 2006 15:04:05 -0700"

// sessionExpiry is how long a cycle may stay open before the device refuses
// new documents.
const sessionExpiry = 24 * time.Hour

const defaultTimeout = 10 * time.Second

// regInfo caches registration attributes that never change between
// re-registrations of the device.
type regInfo struct {
	inn          string
	taxVariant   string
	regNumber    string
	serialNumber string
}

// Gateway talks to one Umka device.
type Gateway struct {
	logger     *log.Logger
	client     *http.Client
	baseURL    string
	appVersion string
	enc        *encoder

	mu         sync.Mutex
	populateMu sync.Mutex
	info       *regInfo
}

// New builds an Umka gateway from config. Registered under kind "umka".
func New(logger *log.Logger, cfg fiscal.Config) (fiscal.Gateway, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("umka: host is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Gateway{
		logger:     logger,
		client:     client,
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		appVersion: cfg.AppVersion,
		enc:        &encoder{logger: logger},
	}, nil
}

// Device wire shapes.

type statusEnvelope struct {
	CashboxStatus cashboxStatus `json:"cashboxStatus"`
}

type cashboxStatus struct {
	DT          string   `json:"dt"`
	CycleNumber int      `json:"cycleNumber"`
	CycleOpened string   `json:"cycleOpened"`
	UserINN     string   `json:"userInn"`
	RegNumber   string   `json:"regNumber"`
	Taxes       int      `json:"taxes"`
	Serial      string   `json:"serial"`
	FSStatus    fsStatus `json:"fsStatus"`
}

type fsStatus struct {
	// nil when the device has never issued a document
	LastDocNumber *int   `json:"lastDocNumber"`
	FSNumber      string `json:"fsNumber"`
	CycleIsOpen   int    `json:"cycleIsOpen"`
}

type documentEnvelope struct {
	Document documentBody `json:"document"`
}

type documentBody struct {
	Result  int             `json:"result"`
	Message documentMessage `json:"message"`
	Data    *documentData   `json:"data,omitempty"`
}

type documentMessage struct {
	ResultDescription string `json:"resultDescription"`
}

type documentData struct {
	DocNumber int              `json:"docNumber"`
	Fiscprops []FiscalProperty `json:"fiscprops"`
}

// Status fetches and maps the device status. The registration cache is
// refreshed from every successful snapshot.
func (g *Gateway) Status() (*fiscal.StatusResult, error) {
	body, err := g.get("/cashboxstatus.json")
	if err != nil {
		return nil, err
	}
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("umka: decode status: %w", err)
	}
	st, err := g.mapStatus(&env, body)
	if err != nil {
		return nil, err
	}
	g.storeRegInfo(&env.CashboxStatus)
	return st, nil
}

func (g *Gateway) mapStatus(env *statusEnvelope, raw []byte) (*fiscal.StatusResult, error) {
	cb := &env.CashboxStatus
	dt, err := parseDeviceTime(cb.DT)
	if err != nil {
		return nil, fmt.Errorf("umka: bad status timestamp %q: %w", cb.DT, err)
	}

	mode := fiscal.StatusClosedSession
	if cb.FSStatus.CycleIsOpen != 0 {
		opened, err := parseDeviceTime(cb.CycleOpened)
		if err != nil {
			return nil, fmt.Errorf("umka: bad cycle open timestamp %q: %w", cb.CycleOpened, err)
		}
		if dt.Sub(opened) >= sessionExpiry {
			mode = fiscal.StatusExpiredSession
		} else {
			mode = fiscal.StatusOpenSession
		}
	}

	st := fiscal.NewStatusResult()
	st.IsOnline = true
	st.FrDateTime = dt
	st.INN = cb.UserINN
	st.SerialNumber = cb.Serial
	st.RegNumber = cb.RegNumber
	st.StorageNumber = cb.FSStatus.FSNumber
	st.CurrentDocNumber = cb.FSStatus.LastDocNumber
	st.CurrentSession = cb.CycleNumber
	st.ModeFR = mode
	st.AppVersion = g.appVersion
	st.Status = json.RawMessage(raw)
	return st, nil
}

// Register issues a fiscal check. A fiscal refusal comes back as
// *fiscal.Error with the device's code and description.
func (g *Gateway) Register(order *fiscal.Order, issueID int64, openSession bool) (*fiscal.RegistrationResult, error) {
	if openSession {
		if _, err := g.OpenSession(); err != nil {
			return nil, err
		}
	}
	info, err := g.regInfo()
	if err != nil {
		return nil, err
	}
	payload, err := g.enc.encodeOrder(order, issueID, info)
	if err != nil {
		return nil, err
	}
	body, err := g.postJSON("/fiscalcheck.json", payload)
	if err != nil {
		return nil, err
	}
	var env documentEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("umka: decode registration: %w", err)
	}
	if env.Document.Result != 0 {
		return nil, fiscal.NewError(env.Document.Result, env.Document.Message.ResultDescription)
	}
	if env.Document.Data == nil {
		return nil, fmt.Errorf("umka: registration response carries no document data")
	}
	props := env.Document.Data.Fiscprops

	regDateProp := findTag(props, 1012)
	signatureProp := findTag(props, 1077)
	innProp := findTag(props, 1018)
	docNoProp := findTag(props, 1040)
	sessionCheckProp := findTag(props, 1042)
	sessionProp := findTag(props, 1038)
	if regDateProp == nil || signatureProp == nil || innProp == nil ||
		docNoProp == nil || sessionCheckProp == nil || sessionProp == nil {
		return nil, fmt.Errorf(
			"there is missed one or several required attributes for ORDER_ID=%d, ISSUE_ID=%d",
			order.ID, issueID)
	}
	regDate, err := parseDeviceTime(stringValue(regDateProp))
	if err != nil {
		return nil, fmt.Errorf("umka: bad registration date %q: %w", stringValue(regDateProp), err)
	}
	docNo := intValue(docNoProp)

	res := fiscal.NewRegistrationResult()
	res.IsOnline = true
	res.ModeFR = fiscal.StatusOpenSession
	res.SubModeFR = 0
	res.FrDateTime = regDate
	res.INN = stringValue(innProp)
	res.SerialNumber = info.serialNumber
	res.RegNumber = info.regNumber
	res.CurrentDocNumber = &docNo
	res.CurrentSession = intValue(sessionProp)
	res.AppVersion = g.appVersion
	res.Registration = &fiscal.Registration{
		IssueID:      fmt.Sprintf("%d", issueID),
		Signature:    stringValue(signatureProp),
		DocNo:        fmt.Sprintf("%d", docNo),
		RegDate:      regDate,
		SessionCheck: intValue(sessionCheckProp),
	}
	return res, nil
}

// SelectDoc fetches a previously issued document by number.
func (g *Gateway) SelectDoc(documentNumber string) (*fiscal.SelectResult, error) {
	body, err := g.get("/fiscaldoc.json?number=" + documentNumber + "&print=1")
	if err != nil {
		return nil, err
	}
	var env documentEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("umka: decode document: %w", err)
	}
	if env.Document.Result != 0 {
		return nil, fiscal.NewError(env.Document.Result, env.Document.Message.ResultDescription)
	}
	if env.Document.Data == nil {
		return nil, fmt.Errorf("umka: document response carries no document data")
	}
	props := env.Document.Data.Fiscprops

	dateProp := findTag(props, 1012)
	taxProp := findTag(props, 1018)
	regProp := findTag(props, 1037)
	serialProp := findTag(props, 1013)
	storageProp := findTag(props, 1041)
	docNoProp := findTag(props, 1040)
	if dateProp == nil || taxProp == nil || regProp == nil ||
		serialProp == nil || storageProp == nil || docNoProp == nil {
		return nil, fmt.Errorf(
			"there is missed one or several required attributes for DOCUMENT_NUMBER=%s",
			documentNumber)
	}
	docDate, err := parseDeviceTime(stringValue(dateProp))
	if err != nil {
		return nil, fmt.Errorf("umka: bad document date %q: %w", stringValue(dateProp), err)
	}

	doc := &fiscal.Document{
		TaxNumber:     strings.TrimSpace(stringValue(taxProp)),
		RegNumber:     strings.TrimSpace(stringValue(regProp)),
		SerialNumber:  strings.TrimSpace(stringValue(serialProp)),
		StorageNumber: strings.TrimSpace(stringValue(storageProp)),
		DocNumber:     strings.TrimSpace(stringValue(docNoProp)),
		DocDate:       docDate,
		Payload:       json.RawMessage(body),
	}

	st, err := g.Status()
	if err != nil {
		return nil, err
	}
	res := fiscal.NewSelectResult()
	res.StatusResult = *st
	res.Type = "SELECT"
	res.Document = doc
	return res, nil
}

// OpenSession opens a new cash cycle.
func (g *Gateway) OpenSession() (*fiscal.StatusResult, error) {
	return g.sessionCommand("/cycleopen.json?print=1")
}

// CloseSession closes the cash cycle with a Z-report printout.
func (g *Gateway) CloseSession() (*fiscal.StatusResult, error) {
	return g.sessionCommand("/cycleclose.json?print=1")
}

// CloseArchive closes the fiscal storage archive. Irreversible on the device.
func (g *Gateway) CloseArchive() (*fiscal.StatusResult, error) {
	return g.sessionCommand("/closefs.json?print=1")
}

// CancelCheck is not implemented by the Umka protocol.
func (g *Gateway) CancelCheck() (*fiscal.StatusResult, error) {
	return nil, &fiscal.UnsupportedError{Op: "cancelCheck"}
}

// Fiscalize passes a raw document through, stamping it with a fresh session
// id, and returns the device response verbatim.
func (g *Gateway) Fiscalize(data map[string]any) (string, error) {
	if doc, ok := data["document"].(map[string]any); ok {
		doc["sessionId"] = uuid.NewString()
	}
	body, err := g.postJSON("/fiscalize.json", data)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (g *Gateway) sessionCommand(path string) (*fiscal.StatusResult, error) {
	body, err := g.get(path)
	if err != nil {
		return nil, err
	}
	var env documentEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("umka: decode command response: %w", err)
	}
	if env.Document.Result != 0 {
		return nil, fiscal.NewError(env.Document.Result, env.Document.Message.ResultDescription)
	}
	return g.Status()
}

// regInfo returns the cached registration attributes, priming the cache with
// a status call on first use. populateMu keeps concurrent first users down to
// a single device fetch.
func (g *Gateway) regInfo() (regInfo, error) {
	g.mu.Lock()
	cached := g.info
	g.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	g.populateMu.Lock()
	defer g.populateMu.Unlock()
	g.mu.Lock()
	cached = g.info
	g.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	if _, err := g.Status(); err != nil {
		return regInfo{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.info == nil {
		return regInfo{}, fmt.Errorf("umka: device reported no registration info")
	}
	return *g.info, nil
}

func (g *Gateway) storeRegInfo(cb *cashboxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.info = &regInfo{
		inn:          cb.UserINN,
		taxVariant:   fmt.Sprintf("%d", cb.Taxes),
		regNumber:    cb.RegNumber,
		serialNumber: cb.Serial,
	}
}

func (g *Gateway) get(path string) ([]byte, error) {
	resp, err := g.client.Get(g.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("umka: %s: %w", path, err)
	}
	return g.readResponse(path, resp)
}

func (g *Gateway) postJSON(path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("umka: encode %s payload: %w", path, err)
	}
	resp, err := g.client.Post(g.baseURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("umka: %s: %w", path, err)
	}
	return g.readResponse(path, resp)
}

// readResponse drains the body and converts non-2xx replies into fiscal
// errors when the device sent a structured refusal.
func (g *Gateway) readResponse(path string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("umka: read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env documentEnvelope
		if json.Unmarshal(body, &env) == nil && env.Document.Result != 0 {
			return nil, fiscal.NewError(env.Document.Result, env.Document.Message.ResultDescription)
		}
		return nil, fmt.Errorf("umka: %s returned HTTP %d", path, resp.StatusCode)
	}
	return body, nil
}

// findTag walks the tag tree depth first and returns the first property with
// the wanted tag.
func findTag(props []FiscalProperty, tag int) *FiscalProperty {
	for i := range props {
		if props[i].Tag == tag {
			return &props[i]
		}
		if found := findTag(props[i].Fiscprops, tag); found != nil {
			return found
		}
	}
	return nil
}

func stringValue(p *FiscalProperty) string {
	switch v := p.Value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func intValue(p *FiscalProperty) int {
	switch v := p.Value.(type) {
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(strings.TrimSpace(v), "%d", &n)
		return n
	default:
		return 0
	}
}

// parseDeviceTime accepts the device's RFC 1123 variants, with either a
// numeric offset or a zone abbreviation.
func parseDeviceTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(rfc1123Layout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC1123, s)
}
