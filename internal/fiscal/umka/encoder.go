package umka

import (
	"fmt"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/shopspring/decimal"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

// amountDenominator scales fixed-point item amounts (thousandths of a unit).
const amountDenominator = 1000

// maxItemNameLength is the display limit for an item name; longer names are
// truncated, never rejected.
const maxItemNameLength = 128

// FiscalProperty is one node of the FFD tag tree: either a scalar value or a
// subtree of child properties.
type FiscalProperty struct {
	Tag       int              `json:"tag"`
	Value     any              `json:"value,omitempty"`
	Fiscprops []FiscalProperty `json:"fiscprops,omitempty"`
}

func simple(tag int, value any) FiscalProperty {
	return FiscalProperty{Tag: tag, Value: value}
}

func array(tag int, props []FiscalProperty) FiscalProperty {
	return FiscalProperty{Tag: tag, Fiscprops: props}
}

// FiscalDoc is the device-side document envelope.
type FiscalDoc struct {
	Print     int         `json:"print"`
	SessionID string      `json:"sessionId"`
	Data      *FiscalData `json:"data"`
}

// FiscalData is the document body.
type FiscalData struct {
	DocName   string           `json:"docName"`
	MoneyType int              `json:"moneyType"`
	Type      int              `json:"type"`
	Sum       int64            `json:"sum"`
	Tax       int              `json:"tax,omitempty"`
	Fiscprops []FiscalProperty `json:"fiscprops"`
}

// encoder turns orders into FFD tag trees. It is pure data transformation:
// the same order always yields the same tree.
type encoder struct {
	logger *log.Logger
}

// encodeOrder dispatches between the regular and the correction layouts.
func (e *encoder) encodeOrder(order *fiscal.Order, issueID int64, info regInfo) (map[string]any, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	sc, err := fiscal.ParseSaleCharge(order.SaleCharge)
	if err != nil {
		return nil, err
	}
	if sc.IsCorrection() {
		return e.correctionOrder(order, issueID, info)
	}
	return e.regularOrder(order, issueID, info)
}

func (e *encoder) regularOrder(order *fiscal.Order, issueID int64, info regInfo) (map[string]any, error) {
	sc, err := fiscal.ParseSaleCharge(order.SaleCharge)
	if err != nil {
		return nil, err
	}
	data, err := e.prepareFiscalData(order, sc)
	if err != nil {
		return nil, err
	}
	data.DocName = "Кассовый чек"

	tags := make([]FiscalProperty, 0, 16)
	tags = append(tags,
		simple(1037, info.regNumber),
		simple(1018, order.Firm.TaxIdentityNumber),
		simple(1187, order.Firm.Address),
		simple(1055, order.Firm.TaxVariant.FFDCode()),
	)
	if order.Cashier != nil {
		tags = append(tags, simple(1021, order.Cashier.String()))
	}
	paymentTags, err := e.paymentTags(order)
	if err != nil {
		return nil, err
	}
	tags = append(tags, paymentTags...)
	tags = append(tags, simple(1054, sc.Code()))

	if c := order.Customer; c != nil {
		if id := c.ID(); id != "" {
			tags = append(tags, simple(1008, id))
		}
		if c.Name != "" {
			tags = append(tags, simple(1227, c.Name))
		}
		if c.TaxNumber != "" {
			tags = append(tags, simple(1228, c.TaxNumber))
		}
	}
	if order.AdditionalCheckProperty != "" {
		tags = append(tags, simple(1192, order.AdditionalCheckProperty))
	}

	for i := range order.Items {
		tags = append(tags, e.itemSubtree(&order.Items[i]))
	}
	tags = append(tags, simple(1060, "www.nalog.ru"))

	data.Fiscprops = tags
	doc := &FiscalDoc{Print: 1, SessionID: fmt.Sprintf("%d", issueID), Data: data}
	return map[string]any{"document": doc}, nil
}

// itemSubtree encodes one order line as a tag 1059 subtree.
func (e *encoder) itemSubtree(item *fiscal.Item) FiscalProperty {
	itemTags := make([]FiscalProperty, 0, 8)

	method, usedDefault := fiscal.ParsePaymentMethodOrDefault(item.PaymentMethod)
	if usedDefault {
		e.logger.Warningf("Cannot parse a payment method from '%s', switched to the default '%s'",
			item.PaymentMethod, method)
	}
	itemTags = append(itemTags, simple(fiscal.PaymentMethodFFDTag, method.Code()))

	object, usedDefault := fiscal.ParsePaymentObjectOrDefault(item.PaymentObject)
	if usedDefault {
		e.logger.Warningf("Cannot parse a payment object from '%s', switched to the default '%s'",
			item.PaymentObject, object)
	}
	itemTags = append(itemTags, simple(fiscal.PaymentObjectFFDTag, object.Code()))

	name := item.Name
	if len([]rune(name)) > maxItemNameLength {
		name = string([]rune(name)[:maxItemNameLength])
	}
	itemTags = append(itemTags, simple(1030, name))
	itemTags = append(itemTags, simple(1079, item.Price))

	quantity := decimal.NewFromInt(item.Amount).
		DivRound(decimal.NewFromInt(amountDenominator), 3).
		StringFixed(3)
	itemTags = append(itemTags, simple(1023, quantity))

	vat, usedDefault := fiscal.ParseItemVatTypeOrDefault(item.VatType)
	if usedDefault {
		e.logger.Warningf("Cannot parse a VAT type from '%s', switched to the default '%s'",
			item.VatType, vat)
	}
	itemTags = append(itemTags, simple(1199, vat.Code()))

	total := item.Amount * item.Price / amountDenominator
	itemTags = append(itemTags, simple(1043, total))

	if item.MeasurementUnit != "" {
		itemTags = append(itemTags, simple(1197, item.MeasurementUnit))
	}
	if item.UserData != "" {
		itemTags = append(itemTags, simple(1191, item.UserData))
	}
	if item.NomenclatureCode != "" {
		itemTags = append(itemTags, simple(1162, item.NomenclatureCode))
	}

	if supp := item.Supplier; supp != nil {
		suppProps := make([]FiscalProperty, 0, len(supp.SupplierPhones)+1)
		for _, phone := range supp.SupplierPhones {
			suppProps = append(suppProps, simple(1171, phone))
		}
		if supp.SupplierName != "" {
			suppProps = append(suppProps, simple(1225, supp.SupplierName))
		}
		itemTags = append(itemTags, array(1224, suppProps))
		// supplier tax number writes directly to item tags
		if supp.SupplierINN != "" {
			itemTags = append(itemTags, simple(1226, supp.SupplierINN))
		}
	}

	if agent := item.Agent; agent != nil {
		if at, err := fiscal.ParseAgentType(agent.AgentType); err == nil {
			itemTags = append(itemTags, simple(fiscal.AgentTypeFFDTag, at.FFDCode()))
		}
		agentProps := make([]FiscalProperty, 0, 8)
		if agent.PayingOperation != "" {
			agentProps = append(agentProps, simple(1044, agent.PayingOperation))
		}
		for _, phone := range agent.PayingPhones {
			agentProps = append(agentProps, simple(1073, phone))
		}
		for _, phone := range agent.ReceiverPhones {
			agentProps = append(agentProps, simple(1074, phone))
		}
		for _, phone := range agent.TransferPhones {
			agentProps = append(agentProps, simple(1075, phone))
		}
		if agent.TransferName != "" {
			agentProps = append(agentProps, simple(1026, agent.TransferName))
		}
		if agent.TransferAddress != "" {
			agentProps = append(agentProps, simple(1005, agent.TransferAddress))
		}
		if agent.TransferINN != "" {
			agentProps = append(agentProps, simple(1016, agent.TransferINN))
		}
		itemTags = append(itemTags, array(1223, agentProps))
	}

	return array(1059, itemTags)
}

func (e *encoder) correctionOrder(order *fiscal.Order, issueID int64, info regInfo) (map[string]any, error) {
	sc, err := fiscal.ParseSaleCharge(order.SaleCharge)
	if err != nil {
		return nil, err
	}
	if order.Correction == nil {
		return nil, fmt.Errorf("correction cannot be empty for ORDER_ID=%d, ISSUE_ID=%d", order.ID, issueID)
	}
	data, err := e.prepareFiscalData(order, sc)
	if err != nil {
		return nil, err
	}
	data.DocName = "Чек коррекции"

	tags := make([]FiscalProperty, 0, 8)
	tags = append(tags,
		simple(1037, info.regNumber),
		simple(1018, order.Firm.TaxIdentityNumber),
		simple(1187, order.Firm.Address),
		simple(1055, order.Firm.TaxVariant.FFDCode()),
	)
	paymentTags, err := e.paymentTags(order)
	if err != nil {
		return nil, err
	}
	tags = append(tags, paymentTags...)
	tags = append(tags, simple(1054, sc.Code()))

	correction := order.Correction
	correctionKind := 1
	if correction.CorrectionType == fiscal.CorrectionTypeSelfMade {
		correctionKind = 0
	}
	tags = append(tags, simple(1173, correctionKind))

	docDate, err := time.Parse("2006-01-02", correction.DocumentDate)
	if err != nil {
		return nil, fmt.Errorf("bad correction document date %q: %w", correction.DocumentDate, err)
	}
	tags = append(tags, array(1174, []FiscalProperty{
		simple(1177, correction.Description),
		simple(1178, docDate.Format(rfc1123Layout)),
		simple(1179, correction.DocumentNumber),
	}))

	vat, usedDefault := fiscal.ParseItemVatTypeOrDefault(correction.VatType)
	if usedDefault {
		e.logger.Warningf("Cannot parse a correction VAT type from '%s', switched to the default '%s'",
			correction.VatType, vat)
	}
	data.Tax = vat.Code()
	data.Fiscprops = tags

	doc := &FiscalDoc{Print: 1, SessionID: fmt.Sprintf("%d", issueID), Data: data}
	return map[string]any{"document": doc}, nil
}

// paymentTags maps order payments to their per-type amount tags plus the
// paid-from-internet marker (tag 1125).
func (e *encoder) paymentTags(order *fiscal.Order) ([]FiscalProperty, error) {
	tags := make([]FiscalProperty, 0, len(order.Payments)+1)
	fromInternet := 0
	for _, payment := range order.Payments {
		pt, err := fiscal.ParsePaymentType(payment.PaymentType)
		if err != nil {
			return nil, err
		}
		if pt == fiscal.PaymentTypeCreditCard {
			fromInternet = 1
		}
		tags = append(tags, simple(pt.FFDTag(), payment.Amount))
	}
	tags = append(tags, simple(1125, fromInternet))
	return tags, nil
}

// prepareFiscalData seeds the document body from the first payment.
func (e *encoder) prepareFiscalData(order *fiscal.Order, sc fiscal.SaleCharge) (*FiscalData, error) {
	paymentType := fiscal.PaymentTypeCash
	if len(order.Payments) > 0 {
		pt, err := fiscal.ParsePaymentType(order.Payments[0].PaymentType)
		if err != nil {
			return nil, err
		}
		paymentType = pt
	}
	return &FiscalData{
		MoneyType: paymentType.Code(),
		Type:      sc.GeneralCode(),
		Sum:       0,
	}, nil
}
