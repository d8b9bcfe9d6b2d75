package qkkm

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

const okError = `<Error id="0" text=""/>`

func statusReply(mode int) string {
	return `<Response>` + okError +
		`<GetDeviceStatus isOnline="1" statusMessageHtml="" currentDocNumber="15"` +
		` numberLastClousedSession="33" deviceErrorCode="0" inn="7702203276"` +
		` serialNumber="00106700888" fnNumber="9999078900003939"` +
		` modeFR="` + strconv.Itoa(mode) + `" subModeFR="0"` +
		` dateFR="2026.08.04" timeFR="12:00:00"/></Response>`
}

// fakeDevice answers one command per connection, the way the firmware does.
type fakeDevice struct {
	ln      net.Listener
	handler func(req string) string

	mu       sync.Mutex
	requests []string
}

func newFakeDevice(t *testing.T, handler func(req string) string) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDevice{ln: ln, handler: handler}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			buf := make([]byte, 32*1024)
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			req := string(buf[:n])
			d.mu.Lock()
			d.requests = append(d.requests, req)
			d.mu.Unlock()
			conn.Write([]byte(d.handler(req)))
		}(conn)
	}
}

func (d *fakeDevice) commandLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func newTestGateway(t *testing.T, d *fakeDevice) *Gateway {
	t.Helper()
	host, portStr, err := net.SplitHostPort(d.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	customContext := log.NewContext(os.Stderr, customFormat, log.LevelError)
	return &Gateway{
		logger:     customContext.GetLogger("test", log.LevelError),
		tr:         newTransport(host, port, "utf-8"),
		appVersion: "1.0.0-test",
	}
}

func testOrder() *fiscal.Order {
	return &fiscal.Order{
		ID:         100,
		SaleCharge: "SALE",
		Firm: fiscal.Firm{
			Timezone:          "Europe/Moscow",
			TaxVariant:        fiscal.TaxVariantGeneral,
			Address:           "Москва, ул. Тверская, 1",
			TaxIdentityNumber: "7702203276",
		},
		Cashier: &fiscal.Cashier{FirstName: "Иван", LastName: "Петров"},
		Items: []fiscal.Item{{
			Name:    "Молоко",
			Price:   5990,
			Amount:  2000,
			VatType: "VAT_10PCT",
		}},
		Payments: []fiscal.Payment{{PaymentType: "CASH", Amount: 11980}},
	}
}

func TestStatusMapping(t *testing.T) {
	device := newFakeDevice(t, func(req string) string { return statusReply(2) })
	gw := newTestGateway(t, device)

	st, err := gw.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !st.IsOnline {
		t.Error("device should report online")
	}
	if st.CurrentSession != 34 {
		t.Errorf("session should be last closed plus one, got %d", st.CurrentSession)
	}
	if st.DocNumber() != 15 {
		t.Errorf("unexpected doc number %d", st.DocNumber())
	}
	if st.INN != "7702203276" {
		t.Errorf("unexpected inn %q", st.INN)
	}
	if st.StorageNumber != "9999078900003939" {
		t.Errorf("unexpected storage number %q", st.StorageNumber)
	}
	if st.ModeFR != fiscal.StatusOpenSession {
		t.Errorf("unexpected mode %d", st.ModeFR)
	}
	if got := st.FrDateTime.Format("2006.01.02 15:04:05"); got != "2026.08.04 12:00:00" {
		t.Errorf("unexpected device time %s", got)
	}
}

func TestStatusBusyRetry(t *testing.T) {
	var calls int
	var mu sync.Mutex
	device := newFakeDevice(t, func(req string) string {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return `<Response><Error id="80" text="busy"/></Response>`
		}
		return statusReply(2)
	})
	gw := newTestGateway(t, device)

	st, err := gw.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.ErrorCode != 0 {
		t.Errorf("busy replies should be retried transparently, got error %d", st.ErrorCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("expected at least two attempts, got %d", calls)
	}
}

func TestStatusDegradesOnDeviceError(t *testing.T) {
	device := newFakeDevice(t, func(req string) string {
		return `<Response><Error id="5" text="нет бумаги"/></Response>`
	})
	gw := newTestGateway(t, device)

	st, err := gw.Status()
	if err != nil {
		t.Fatalf("status should degrade, not fail: %v", err)
	}
	if st.ErrorCode != 5 {
		t.Errorf("unexpected error code %d", st.ErrorCode)
	}
	if st.StatusMessage != "нет бумаги" {
		t.Errorf("unexpected message %q", st.StatusMessage)
	}
	if st.IsOnline {
		t.Error("a failed status should not report online")
	}
}

func TestRegisterSequence(t *testing.T) {
	device := newFakeDevice(t, func(req string) string {
		switch {
		case strings.Contains(req, "<GetDeviceStatus"):
			return statusReply(2)
		case strings.Contains(req, "<GetLastFdId"):
			return `<Response>` + okError + `<GetLastFdId value="512"/></Response>`
		case strings.Contains(req, "<GetFiskalMarkById"):
			return `<Response>` + okError + `<GetFiskalMarkById fiskalMark="3029384756"/></Response>`
		case strings.Contains(req, "<GetNumSaleCheck"):
			return `<Response>` + okError + `<GetNumSaleCheck value="7"/></Response>`
		default:
			return `<Response>` + okError + `</Response>`
		}
	})
	gw := newTestGateway(t, device)

	res, err := gw.Register(testOrder(), 42, false)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.ErrorCode != 0 {
		t.Fatalf("unexpected error code %d: %s", res.ErrorCode, res.StatusMessage)
	}
	if res.Registration == nil {
		t.Fatal("registration payload is missing")
	}
	if res.Registration.DocNo != "512" {
		t.Errorf("unexpected doc number %q", res.Registration.DocNo)
	}
	if res.Registration.Signature != "3029384756" {
		t.Errorf("unexpected signature %q", res.Registration.Signature)
	}
	if res.Registration.SessionCheck != 7 {
		t.Errorf("unexpected session check %d", res.Registration.SessionCheck)
	}
	if res.CurrentSession != 34 {
		t.Errorf("unexpected session %d", res.CurrentSession)
	}

	var order []string
	for _, req := range device.commandLog() {
		for _, name := range []string{"OpenCheck", "<Sale", "CloseCheck", "GetLastFdId", "GetFiskalMarkById", "GetDeviceStatus", "GetNumSaleCheck"} {
			if strings.Contains(req, name) {
				order = append(order, strings.Trim(name, "<"))
				break
			}
		}
	}
	want := []string{"OpenCheck", "Sale", "CloseCheck", "GetLastFdId", "GetFiskalMarkById", "GetDeviceStatus", "GetNumSaleCheck"}
	if len(order) != len(want) {
		t.Fatalf("unexpected command sequence %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected command sequence %v, want %v", order, want)
		}
	}
}

// registerReplies answers the happy-path registration sequence.
func registerReplies(req string) string {
	switch {
	case strings.Contains(req, "<GetDeviceStatus"):
		return statusReply(2)
	case strings.Contains(req, "<GetLastFdId"):
		return `<Response>` + okError + `<GetLastFdId value="512"/></Response>`
	case strings.Contains(req, "<GetFiskalMarkById"):
		return `<Response>` + okError + `<GetFiskalMarkById fiskalMark="3029384756"/></Response>`
	case strings.Contains(req, "<GetNumSaleCheck"):
		return `<Response>` + okError + `<GetNumSaleCheck value="7"/></Response>`
	default:
		return `<Response>` + okError + `</Response>`
	}
}

func TestCloseCheckAccumulatesPayments(t *testing.T) {
	device := newFakeDevice(t, registerReplies)
	gw := newTestGateway(t, device)

	order := testOrder()
	order.Payments = []fiscal.Payment{
		{PaymentType: "CASH", Amount: 5000},
		{PaymentType: "CASH", Amount: 6980},
		{PaymentType: "CREDIT_CARD", Amount: 100},
	}

	res, err := gw.Register(order, 42, false)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.ErrorCode != 0 {
		t.Fatalf("unexpected error code %d: %s", res.ErrorCode, res.StatusMessage)
	}

	var closeReq string
	for _, req := range device.commandLog() {
		if strings.Contains(req, "<CloseCheck") {
			closeReq = req
		}
	}
	if closeReq == "" {
		t.Fatal("no CloseCheck command was sent")
	}
	if !strings.Contains(closeReq, `SummaCash="11980"`) {
		t.Errorf("cash payments should sum into one bucket, got %s", closeReq)
	}
	if !strings.Contains(closeReq, `Summa2="100"`) {
		t.Errorf("unexpected card bucket, got %s", closeReq)
	}
}

func TestSaleWireFormat(t *testing.T) {
	device := newFakeDevice(t, registerReplies)
	gw := newTestGateway(t, device)

	res, err := gw.Register(testOrder(), 42, false)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.ErrorCode != 0 {
		t.Fatalf("unexpected error code %d: %s", res.ErrorCode, res.StatusMessage)
	}

	var saleReq string
	for _, req := range device.commandLog() {
		if strings.Contains(req, "<Sale") {
			saleReq = req
		}
	}
	if saleReq == "" {
		t.Fatal("no Sale command was sent")
	}
	for _, attr := range []string{
		`Text="Молоко"`,
		`Amount="2000"`,
		`Price="5990"`,
		`Group="0"`,
		`Tax2="1"`,
	} {
		if !strings.Contains(saleReq, attr) {
			t.Errorf("sale command should carry %s, got %s", attr, saleReq)
		}
	}
}

func TestRegisterCarriesDeviceError(t *testing.T) {
	device := newFakeDevice(t, func(req string) string {
		if strings.Contains(req, "<CloseCheck") {
			return `<Response><Error id="1" text="ERROR"/></Response>`
		}
		return `<Response>` + okError + `</Response>`
	})
	gw := newTestGateway(t, device)

	res, err := gw.Register(testOrder(), 42, false)
	if err != nil {
		t.Fatalf("register must not fail outright: %v", err)
	}
	if res.ErrorCode != 1 {
		t.Errorf("unexpected error code %d", res.ErrorCode)
	}
	if res.StatusMessage != "ERROR" {
		t.Errorf("unexpected message %q", res.StatusMessage)
	}
	if res.Registration != nil {
		t.Error("a failed registration must not carry a registration payload")
	}
}

func TestRegisterElectronicSendsCustomerTag(t *testing.T) {
	device := newFakeDevice(t, func(req string) string {
		switch {
		case strings.Contains(req, "<SetTLV"):
			// old firmware rejection must not abort the check
			return `<Response><Error id="12" text="unsupported"/></Response>`
		case strings.Contains(req, "<GetDeviceStatus"):
			return statusReply(2)
		case strings.Contains(req, "<GetLastFdId"):
			return `<Response>` + okError + `<GetLastFdId value="512"/></Response>`
		case strings.Contains(req, "<GetFiskalMarkById"):
			return `<Response>` + okError + `<GetFiskalMarkById fiskalMark="3029384756"/></Response>`
		case strings.Contains(req, "<GetNumSaleCheck"):
			return `<Response>` + okError + `<GetNumSaleCheck value="7"/></Response>`
		default:
			return `<Response>` + okError + `</Response>`
		}
	})
	gw := newTestGateway(t, device)

	order := testOrder()
	order.IsElectronic = true
	order.Customer = &fiscal.Customer{Email: "buyer@example.com"}

	res, err := gw.Register(order, 42, false)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.ErrorCode != 0 {
		t.Fatalf("unexpected error code %d: %s", res.ErrorCode, res.StatusMessage)
	}

	var sawTLV bool
	for _, req := range device.commandLog() {
		if strings.Contains(req, "<SetTLV") && strings.Contains(req, "buyer@example.com") {
			sawTLV = true
		}
	}
	if !sawTLV {
		t.Error("electronic checks should send the customer id as TLV 1008")
	}
}

func TestUnsupportedOperations(t *testing.T) {
	device := newFakeDevice(t, func(req string) string { return statusReply(2) })
	gw := newTestGateway(t, device)

	var uerr *fiscal.UnsupportedError
	if _, err := gw.CloseArchive(); !errors.As(err, &uerr) {
		t.Errorf("closeArchive should be unsupported, got %v", err)
	}
	if _, err := gw.SelectDoc("1"); !errors.As(err, &uerr) {
		t.Errorf("selectDoc should be unsupported, got %v", err)
	}
	if _, err := gw.Fiscalize(map[string]any{}); !errors.As(err, &uerr) {
		t.Errorf("fiscalize should be unsupported, got %v", err)
	}
}

func TestAwaitIdleGivesUpAfterRetries(t *testing.T) {
	device := newFakeDevice(t, func(req string) string { return statusReply(8) })
	gw := newTestGateway(t, device)

	start := time.Now()
	st, err := gw.awaitIdle(time.Local)
	if err != nil {
		t.Fatalf("awaitIdle failed: %v", err)
	}
	if st.ModeFR != 8 {
		t.Errorf("the last snapshot should be returned, got mode %d", st.ModeFR)
	}
	if elapsed := time.Since(start); elapsed < 9*statusPollInterval {
		t.Errorf("expected the full retry budget to be spent, took %s", elapsed)
	}
}
