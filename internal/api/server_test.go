package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/core"
	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

func testLogger() *log.Logger {
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	customContext := log.NewContext(os.Stderr, customFormat, log.LevelError)
	return customContext.GetLogger("test", log.LevelError)
}

type scriptedDevice struct {
	status    *fiscal.StatusResult
	statusErr error
	selectRes *fiscal.SelectResult
	selectErr error
	closeErr  error
	rawReply  string

	selectedDoc string
	fiscalized  map[string]any
}

func (d *scriptedDevice) Status() (*fiscal.StatusResult, error) { return d.status, d.statusErr }

func (d *scriptedDevice) Register(order *fiscal.Order, issueID int64, openSession bool) (*fiscal.RegistrationResult, error) {
	return nil, &fiscal.UnsupportedError{Op: "register"}
}

func (d *scriptedDevice) OpenSession() (*fiscal.StatusResult, error) { return d.status, nil }

func (d *scriptedDevice) CloseSession() (*fiscal.StatusResult, error) {
	if d.closeErr != nil {
		return nil, d.closeErr
	}
	return d.status, nil
}

func (d *scriptedDevice) CloseArchive() (*fiscal.StatusResult, error) {
	return nil, &fiscal.UnsupportedError{Op: "closeArchive"}
}

func (d *scriptedDevice) CancelCheck() (*fiscal.StatusResult, error) { return d.status, nil }

func (d *scriptedDevice) SelectDoc(documentNumber string) (*fiscal.SelectResult, error) {
	d.selectedDoc = documentNumber
	return d.selectRes, d.selectErr
}

func (d *scriptedDevice) Fiscalize(data map[string]any) (string, error) {
	d.fiscalized = data
	return d.rawReply, nil
}

type fakeRounds struct {
	records []core.RoundRecord
	ccmID   string
	limit   int
}

func (f *fakeRounds) RecentForMachine(ccmID string, limit int) ([]core.RoundRecord, error) {
	f.ccmID = ccmID
	f.limit = limit
	return f.records, nil
}

type fakeGovernor struct{}

func (fakeGovernor) GetStats() map[string]interface{} {
	return map[string]interface{}{"backend_load": map[string]interface{}{"circuit_state": "CLOSED"}}
}

func newTestServer(t *testing.T, device fiscal.Gateway, rounds RoundReader) *httptest.Server {
	t.Helper()
	s := NewServer(":0", testLogger(), nil, func() fiscal.Gateway { return device }, rounds, fakeGovernor{})
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func onlineStatus() *fiscal.StatusResult {
	st := fiscal.NewStatusResult()
	st.IsOnline = true
	st.INN = "7725225244"
	st.ModeFR = fiscal.StatusOpenSession
	return st
}

func TestStatusEndpoint(t *testing.T) {
	device := &scriptedDevice{status: onlineStatus()}
	ts := newTestServer(t, device, nil)

	resp, err := http.Get(ts.URL + "/frws/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var st fiscal.StatusResult
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !st.IsOnline || st.INN != "7725225244" {
		t.Errorf("Unexpected status payload: %+v", st)
	}
}

func TestStatusTransportErrorIsBadGateway(t *testing.T) {
	device := &scriptedDevice{statusErr: &transportError{}}
	ts := newTestServer(t, device, nil)

	resp, err := http.Get(ts.URL + "/frws/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
}

type transportError struct{}

func (*transportError) Error() string { return "dial tcp: connection refused" }

func TestManagementCloseReportsFiscalError(t *testing.T) {
	device := &scriptedDevice{closeErr: fiscal.NewError(136, "смена закрыта")}
	ts := newTestServer(t, device, nil)

	resp, err := http.Post(ts.URL+"/frws/management/close", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", resp.StatusCode)
	}
	var ferr fiscal.Error
	if err := json.NewDecoder(resp.Body).Decode(&ferr); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ferr.Code != 136 {
		t.Errorf("Expected device code 136, got %d", ferr.Code)
	}
}

func TestUnsupportedOperationIsNotImplemented(t *testing.T) {
	device := &scriptedDevice{status: onlineStatus()}
	ts := newTestServer(t, device, nil)

	resp, err := http.Post(ts.URL+"/frws/management/closeArchive", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("Expected 501, got %d", resp.StatusCode)
	}
}

func TestContinueWithoutPrinterIsNotImplemented(t *testing.T) {
	device := &scriptedDevice{status: onlineStatus()}
	ts := newTestServer(t, device, nil)

	resp, err := http.Post(ts.URL+"/frws/management/continue", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("Expected 501, got %d", resp.StatusCode)
	}
}

func TestDocumentEndpointPassesNumber(t *testing.T) {
	device := &scriptedDevice{selectRes: fiscal.NewSelectResult()}
	ts := newTestServer(t, device, nil)

	resp, err := http.Get(ts.URL + "/frws/document/233")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if device.selectedDoc != "233" {
		t.Errorf("Expected document 233, got %q", device.selectedDoc)
	}
}

func TestFiscalizeRelaysRawReply(t *testing.T) {
	device := &scriptedDevice{rawReply: `{"document":{"result":0}}`}
	ts := newTestServer(t, device, nil)

	resp, err := http.Post(ts.URL+"/frws/fiscalize", "application/json",
		strings.NewReader(`{"document":{"sessionId":"abc"}}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("JSON replies should keep their content type, got %q", resp.Header.Get("Content-Type"))
	}
	if device.fiscalized["document"] == nil {
		t.Error("The posted document should reach the device")
	}
}

func TestFiscalizeRejectsBadJSON(t *testing.T) {
	ts := newTestServer(t, &scriptedDevice{}, nil)

	resp, err := http.Post(ts.URL+"/frws/fiscalize", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestRoundsRequireMachine(t *testing.T) {
	ts := newTestServer(t, &scriptedDevice{}, &fakeRounds{})

	resp, err := http.Get(ts.URL + "/frws/rounds")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestRoundsQueryPassesLimit(t *testing.T) {
	rounds := &fakeRounds{records: []core.RoundRecord{{CcmID: "17", Command: "REGISTER", Hit: true}}}
	ts := newTestServer(t, &scriptedDevice{}, rounds)

	resp, err := http.Get(ts.URL + "/frws/rounds?ccmID=17&limit=5")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if rounds.ccmID != "17" || rounds.limit != 5 {
		t.Errorf("Query should reach the journal, got ccmID=%q limit=%d", rounds.ccmID, rounds.limit)
	}
	var records []core.RoundRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(records) != 1 || records[0].Command != "REGISTER" {
		t.Errorf("Unexpected journal payload: %+v", records)
	}
}

func TestBackendStatusExposesGovernor(t *testing.T) {
	ts := newTestServer(t, &scriptedDevice{}, nil)

	resp, err := http.Get(ts.URL + "/frws/backend/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if stats["backend_load"] == nil {
		t.Errorf("Expected circuit stats, got %v", stats)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedDevice{}, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
