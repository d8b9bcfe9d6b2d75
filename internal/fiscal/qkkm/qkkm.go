// Package qkkm drives QKKM-family fiscal registrars over their socket/XML
// protocol.
package qkkm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

func init() {
	fiscal.Register("qkkm", New)
}

const (
	statusPollRetries  = 10
	statusPollInterval = 500 * time.Millisecond
)

const frTimeLayout = "2006.01.02 15:04:05"

// Gateway talks to one QKKM device. The device has no notion of concurrent
// commands, so the whole registration sequence holds a lock.
type Gateway struct {
	logger     *log.Logger
	tr         *transport
	appVersion string
}

// New builds a QKKM gateway from config. Registered under kind "qkkm".
func New(logger *log.Logger, cfg fiscal.Config) (fiscal.Gateway, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("qkkm: host is required")
	}
	return &Gateway{
		logger:     logger,
		tr:         newTransport(cfg.Host, cfg.Port, cfg.Encoding),
		appVersion: cfg.AppVersion,
	}, nil
}

// execute sends a command and retries immediately while the device reports
// busy. A non-zero code outside the allowed set becomes a fiscal error.
func (g *Gateway) execute(req *request, allowed ...int) (*response, error) {
	for {
		resp, err := g.tr.roundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.Error.ID == errCodeBusy {
			continue
		}
		if resp.Error.ID != 0 && !codeAllowed(resp.Error.ID, allowed) {
			return nil, fiscal.NewError(resp.Error.ID, resp.Error.Text)
		}
		return resp, nil
	}
}

func codeAllowed(code int, allowed []int) bool {
	for _, a := range allowed {
		if a == code {
			return true
		}
	}
	return false
}

// statusIn fetches the device status with timestamps interpreted in loc.
func (g *Gateway) statusIn(loc *time.Location) (*fiscal.StatusResult, error) {
	resp, err := g.execute(&request{GetDeviceStatus: &emptyCommand{}})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, fmt.Errorf("qkkm: status response carries no payload")
	}
	p := resp.Status

	frTime, err := time.ParseInLocation(frTimeLayout, p.DateFR+" "+p.TimeFR, loc)
	if err != nil {
		return nil, fmt.Errorf("qkkm: bad device time %q %q: %w", p.DateFR, p.TimeFR, err)
	}

	docNumber := p.CurrentDocNumber
	st := fiscal.NewStatusResult()
	st.IsOnline = p.IsOnline == "1"
	st.StatusMessage = p.StatusMessageHTML
	st.FrDateTime = frTime
	st.INN = p.INN
	st.SerialNumber = p.SerialNumber
	st.StorageNumber = p.StorageNumber
	st.CurrentDocNumber = &docNumber
	st.CurrentSession = p.NumberLastClousedSession + 1
	st.ErrorCode = p.DeviceErrorCode
	st.ModeFR = p.ModeFR
	st.SubModeFR = p.SubModeFR
	st.AppVersion = g.appVersion
	return st, nil
}

// Status never fails outright: when the device is unreachable or confused
// the result carries the error code instead, so the backend still gets a
// snapshot to show.
func (g *Gateway) Status() (*fiscal.StatusResult, error) {
	st, err := g.statusIn(time.Local)
	if err != nil {
		g.logger.Warningf("status failed: %v", err)
		return g.degraded(err), nil
	}
	return st, nil
}

// degraded builds an offline status carrying the failure.
func (g *Gateway) degraded(err error) *fiscal.StatusResult {
	st := fiscal.NewStatusResult()
	st.AppVersion = g.appVersion
	var ferr *fiscal.Error
	if errors.As(err, &ferr) {
		st.ErrorCode = ferr.Code
		st.StatusMessage = ferr.Message
	} else {
		st.ErrorCode = errCodeDecodeFailed
		st.StatusMessage = err.Error()
	}
	return st
}

// OpenSession opens an accounting session.
func (g *Gateway) OpenSession() (*fiscal.StatusResult, error) {
	return g.commandThenStatus(&request{OpenSession: &emptyCommand{}})
}

// CloseSession prints a Z-report and closes the session.
func (g *Gateway) CloseSession() (*fiscal.StatusResult, error) {
	return g.commandThenStatus(&request{ZReport: &emptyCommand{}})
}

// CancelCheck voids the currently open check.
func (g *Gateway) CancelCheck() (*fiscal.StatusResult, error) {
	return g.commandThenStatus(&request{CancelCheck: &emptyCommand{}})
}

// ContinuePrint resumes an interrupted printout, usually after a paper jam.
func (g *Gateway) ContinuePrint() (*fiscal.StatusResult, error) {
	return g.commandThenStatus(&request{ContinuePrint: &emptyCommand{}})
}

// CloseArchive is not implemented by the QKKM protocol.
func (g *Gateway) CloseArchive() (*fiscal.StatusResult, error) {
	return nil, &fiscal.UnsupportedError{Op: "closeArchive"}
}

// SelectDoc is not implemented by the QKKM protocol.
func (g *Gateway) SelectDoc(documentNumber string) (*fiscal.SelectResult, error) {
	return nil, &fiscal.UnsupportedError{Op: "selectDoc"}
}

// Fiscalize is not implemented by the QKKM protocol.
func (g *Gateway) Fiscalize(data map[string]any) (string, error) {
	return "", &fiscal.UnsupportedError{Op: "fiscalize"}
}

func (g *Gateway) commandThenStatus(req *request) (*fiscal.StatusResult, error) {
	if _, err := g.execute(req); err != nil {
		g.logger.Warningf("command failed: %v", err)
		return g.degraded(err), nil
	}
	return g.Status()
}

// Register runs the full check sequence. It never returns a transport or
// device failure as an error: the result carries the error code so the
// caller can report it to the backend unchanged.
func (g *Gateway) Register(order *fiscal.Order, issueID int64, openSession bool) (*fiscal.RegistrationResult, error) {
	res := fiscal.NewRegistrationResult()
	res.AppVersion = g.appVersion
	if err := g.register(order, issueID, openSession, res); err != nil {
		var ferr *fiscal.Error
		if errors.As(err, &ferr) {
			res.ErrorCode = ferr.Code
			res.StatusMessage = ferr.Message
		} else {
			res.ErrorCode = errCodeDecodeFailed
			res.StatusMessage = err.Error()
		}
		g.logger.Errorf("registration of order %d failed: %v", order.ID, err)
	}
	return res, nil
}

func (g *Gateway) register(order *fiscal.Order, issueID int64, openSession bool, res *fiscal.RegistrationResult) error {
	if err := order.Validate(); err != nil {
		return err
	}
	sc, err := fiscal.ParseSaleCharge(order.SaleCharge)
	if err != nil {
		return err
	}
	var checkType int
	switch sc {
	case fiscal.SaleChargeSale:
		checkType = checkTypeSale
	case fiscal.SaleChargeSaleReturn:
		checkType = checkTypeReturn
	default:
		return fmt.Errorf("qkkm: sale charge %s is not supported by this device", sc)
	}

	if openSession {
		if _, err := g.execute(&request{OpenSession: &emptyCommand{}}); err != nil {
			return err
		}
	}

	operator := ""
	if order.Cashier != nil {
		operator = order.Cashier.String()
	}
	if _, err := g.execute(&request{OpenCheck: &openCheckCommand{Type: checkType, Operator: operator}}); err != nil {
		return err
	}

	var tax1, tax2, tax4 int
	for i := range order.Items {
		cmd, flags := saleFromItem(&order.Items[i])
		tax1 |= flags[0]
		tax2 |= flags[1]
		tax4 |= flags[2]

		req := &request{}
		if checkType == checkTypeSale {
			req.Sale = cmd
		} else {
			req.ReturnSale = cmd
		}
		if _, err := g.execute(req); err != nil {
			return err
		}
	}

	if order.IsElectronic {
		id := order.Customer.ID()
		tlv := &setTLVCommand{Type: "1008", Data: id, Len: len(id)}
		// older firmware rejects the customer tag with code 12; the check
		// still closes fine without it
		if _, err := g.execute(&request{SetTLV: tlv}, errCodeTLVRejected); err != nil {
			return err
		}
	}

	// payments of the same type accumulate into one bucket
	var sums [4]int64
	for _, payment := range order.Payments {
		pt, err := fiscal.ParsePaymentType(payment.PaymentType)
		if err != nil {
			return err
		}
		switch pt {
		case fiscal.PaymentTypeCash:
			sums[0] += payment.Amount
		case fiscal.PaymentTypeCreditCard:
			sums[1] += payment.Amount
		case fiscal.PaymentTypePrePaid:
			sums[2] += payment.Amount
		default:
			sums[3] += payment.Amount
		}
	}
	closeCmd := &closeCheckCommand{
		SummaCash: sums[0],
		Summa2:    sums[1],
		Summa3:    sums[2],
		Summa4:    sums[3],
		Tax1:      tax1,
		Tax2:      tax2,
		Tax3:      0,
		Tax4:      tax4,
	}
	if _, err := g.execute(&request{CloseCheck: closeCmd}); err != nil {
		return err
	}

	lastFd, err := g.execute(&request{GetLastFdID: &emptyCommand{}})
	if err != nil {
		return err
	}
	if lastFd.LastFdID == nil {
		return fmt.Errorf("qkkm: device returned no document id")
	}
	docID := strings.TrimSpace(lastFd.LastFdID.Value)

	markResp, err := g.execute(&request{GetFiscalMark: &fiscalMarkCommand{ID: docID}})
	if err != nil {
		return err
	}
	if markResp.FiscalMark == nil {
		return fmt.Errorf("qkkm: device returned no fiscal mark for document %s", docID)
	}

	loc, err := time.LoadLocation(order.Firm.Timezone)
	if err != nil {
		g.logger.Warningf("unknown firm timezone %q, falling back to local", order.Firm.Timezone)
		loc = time.Local
	}

	st, err := g.awaitIdle(loc)
	if err != nil {
		return err
	}
	session := st.CurrentSession

	numResp, err := g.execute(&request{GetNumSaleCheck: &numCheckCommand{SessionNum: session}})
	if err != nil {
		return err
	}
	sessionCheck := 0
	if numResp.NumCheck != nil {
		sessionCheck, _ = strconv.Atoi(strings.TrimSpace(numResp.NumCheck.Value))
	}

	res.Apply(st)
	res.CurrentSession = session
	res.Registration = &fiscal.Registration{
		IssueID:      fmt.Sprintf("%d", issueID),
		Signature:    markResp.FiscalMark.Mark,
		DocNo:        docID,
		RegDate:      st.FrDateTime,
		SessionCheck: sessionCheck,
	}
	return nil
}

// awaitIdle polls until the device returns to the open-session mode after
// printing. A stuck printer is logged and the last snapshot is used anyway.
func (g *Gateway) awaitIdle(loc *time.Location) (*fiscal.StatusResult, error) {
	var st *fiscal.StatusResult
	var err error
	for attempt := 0; attempt < statusPollRetries; attempt++ {
		st, err = g.statusIn(loc)
		if err != nil {
			return nil, err
		}
		if st.ModeFR == fiscal.StatusOpenSession {
			return st, nil
		}
		time.Sleep(statusPollInterval)
	}
	g.logger.Warningf("device did not return to idle after %d attempts, mode is %d", statusPollRetries, st.ModeFR)
	return st, nil
}

// saleFromItem maps one order line onto a sale command plus its tax group
// flags (18/20%, 10%, 0%). Amounts go out raw: thousandths for quantity,
// kopecks for price.
func saleFromItem(item *fiscal.Item) (*saleCommand, [3]int) {
	vat, _ := fiscal.ParseItemVatTypeOrDefault(item.VatType)
	var flags [3]int
	switch vat.Code() {
	case fiscal.VAT18Pct.Code():
		flags[0] = 1
	case fiscal.VAT10Pct.Code():
		flags[1] = 1
	case fiscal.VAT0Pct.Code():
		flags[2] = 1
	}
	return &saleCommand{
		Text:   item.Name,
		Amount: item.Amount,
		Price:  item.Price,
		Group:  "0",
		Tax1:   flags[0],
		Tax2:   flags[1],
		Tax3:   0,
		Tax4:   flags[2],
	}, flags
}
