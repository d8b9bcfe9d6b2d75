package fiscal

import (
	"fmt"
	"strings"
)

// Order is a fiscal transaction the backend wants registered. Field names
// follow the backend JSON contract.
type Order struct {
	ID                      int64       `json:"_id"`
	OrderType               string      `json:"orderType"`
	Status                  string      `json:"status"`
	SaleCharge              string      `json:"saleCharge"`
	Firm                    Firm        `json:"firm"`
	Cashier                 *Cashier    `json:"cashier,omitempty"`
	Customer                *Customer   `json:"customer,omitempty"`
	Items                   []Item      `json:"items"`
	Payments                []Payment   `json:"payments"`
	IsElectronic            bool        `json:"isElectronic"`
	Correction              *Correction `json:"correction,omitempty"`
	AdditionalCheckProperty string      `json:"additionalCheckProperty,omitempty"`
}

type Firm struct {
	Timezone          string     `json:"timezone"`
	TaxVariant        TaxVariant `json:"taxVariant"`
	Address           string     `json:"address"`
	TaxIdentityNumber string     `json:"taxIdentityNumber"`
}

type Cashier struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (c Cashier) String() string {
	return c.FirstName + " " + c.LastName
}

type Customer struct {
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	TaxNumber string `json:"taxNumber,omitempty"`
}

// ID resolves the customer identity: email wins over phone.
func (c Customer) ID() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Phone
}

type Item struct {
	Name             string        `json:"name"`
	Price            int64         `json:"price"`
	Amount           int64         `json:"amount"` // thousandths of a unit
	VatType          string        `json:"vatType"`
	PaymentMethod    string        `json:"paymentMethod,omitempty"`
	PaymentObject    string        `json:"paymentObject,omitempty"`
	MeasurementUnit  string        `json:"measurementUnit,omitempty"`
	UserData         string        `json:"userData,omitempty"`
	NomenclatureCode string        `json:"nomenclatureCode,omitempty"`
	Supplier         *SupplierInfo `json:"supplier,omitempty"`
	Agent            *AgentInfo    `json:"agent,omitempty"`
}

type SupplierInfo struct {
	SupplierPhones []string `json:"supplierPhones,omitempty"`
	SupplierName   string   `json:"supplierName,omitempty"`
	SupplierINN    string   `json:"supplierInn,omitempty"`
}

type AgentInfo struct {
	AgentType       string   `json:"agentType,omitempty"`
	PayingOperation string   `json:"payingOperation,omitempty"`
	PayingPhones    []string `json:"payingPhones,omitempty"`
	ReceiverPhones  []string `json:"receiverPhones,omitempty"`
	TransferPhones  []string `json:"transferPhones,omitempty"`
	TransferName    string   `json:"transferName,omitempty"`
	TransferAddress string   `json:"transferAddress,omitempty"`
	TransferINN     string   `json:"transferInn,omitempty"`
}

type Payment struct {
	PaymentType string `json:"paymentType"`
	Amount      int64  `json:"amount"`
}

type Correction struct {
	CorrectionType string `json:"correctionType"` // SELF_MADE or FORCED
	VatType        string `json:"vatType"`
	Description    string `json:"description"`
	DocumentDate   string `json:"documentDate"` // yyyy-mm-dd
	DocumentNumber string `json:"documentNumber"`
}

// CorrectionTypeSelfMade is a correction the merchant filed on their own
// initiative, as opposed to one forced by the tax authority.
const CorrectionTypeSelfMade = "SELF_MADE"

// SaleCharge is the closed set of fiscal operation kinds.
type SaleCharge string

const (
	SaleChargeSale              SaleCharge = "SALE"
	SaleChargeSaleReturn        SaleCharge = "SALE_RETURN"
	SaleChargeExpense           SaleCharge = "EXPENSE"
	SaleChargeExpenseReturn     SaleCharge = "EXPENSE_RETURN"
	SaleChargeSaleCorrection    SaleCharge = "SALE_CORRECTION"
	SaleChargeExpenseCorrection SaleCharge = "EXPENSE_CORRECTION"
)

var saleChargeCodes = map[SaleCharge]int{
	SaleChargeSale:              1,
	SaleChargeSaleReturn:        2,
	SaleChargeExpense:           3,
	SaleChargeExpenseReturn:     4,
	SaleChargeSaleCorrection:    1,
	SaleChargeExpenseCorrection: 3,
}

// ParseSaleCharge rejects anything outside the closed set. A wrong sale
// charge is a broken backend payload, not something to paper over.
func ParseSaleCharge(s string) (SaleCharge, error) {
	sc := SaleCharge(s)
	if _, ok := saleChargeCodes[sc]; !ok {
		return "", fmt.Errorf("unknown sale charge %q", s)
	}
	return sc, nil
}

// Code is the FFD operation code (tag 1054).
func (sc SaleCharge) Code() int { return saleChargeCodes[sc] }

func (sc SaleCharge) IsCorrection() bool {
	return sc == SaleChargeSaleCorrection || sc == SaleChargeExpenseCorrection
}

// GeneralCode maps a sale charge to the general document operation code used
// in the fiscal document envelope. Corrections collapse into their base
// operation.
func (sc SaleCharge) GeneralCode() int { return saleChargeCodes[sc] }

// TaxVariant is a tax regime of the firm.
type TaxVariant string

const (
	TaxVariantGeneral              TaxVariant = "GENERAL"
	TaxVariantSimplifiedIncome     TaxVariant = "SIMPLIFIED_INCOME"
	TaxVariantSimplifiedInOut      TaxVariant = "SIMPLIFIED_IN_OUT"
	TaxVariantSingleIncomeTax      TaxVariant = "SINGLE_INCOME_TAX"
	TaxVariantSingleAgricultureTax TaxVariant = "SINGLE_AGRICULTURE_TAX"
	TaxVariantPatent               TaxVariant = "PATENT"
)

var taxVariantCodes = map[TaxVariant]int{
	TaxVariantGeneral:              1,
	TaxVariantSimplifiedIncome:     2,
	TaxVariantSimplifiedInOut:      4,
	TaxVariantSingleIncomeTax:      8,
	TaxVariantSingleAgricultureTax: 16,
	TaxVariantPatent:               32,
}

// FFDCode is the bitmask value for tag 1055.
func (tv TaxVariant) FFDCode() int { return taxVariantCodes[tv] }

// ItemVatType is a VAT rate designation (tag 1199 code).
type ItemVatType string

const (
	VAT18Pct  ItemVatType = "VAT_18PCT"
	VAT10Pct  ItemVatType = "VAT_10PCT"
	VAT118Pct ItemVatType = "VAT_118PCT"
	VAT110Pct ItemVatType = "VAT_110PCT"
	VAT0Pct   ItemVatType = "VAT_0PCT"
	VATNone   ItemVatType = "VAT_NONE"
	VAT20Pct  ItemVatType = "VAT_20PCT"
	VAT120Pct ItemVatType = "VAT_120PCT"
	VAT05Pct  ItemVatType = "VAT_05PCT"
	VAT07Pct  ItemVatType = "VAT_07PCT"
	VAT105Pct ItemVatType = "VAT_105PCT"
	VAT107Pct ItemVatType = "VAT_107PCT"
)

// The 20% rates share codes with the pre-2019 18% rates.
var vatCodes = map[ItemVatType]int{
	VAT18Pct:  1,
	VAT10Pct:  2,
	VAT118Pct: 3,
	VAT110Pct: 4,
	VAT0Pct:   5,
	VATNone:   6,
	VAT20Pct:  1,
	VAT120Pct: 3,
	VAT05Pct:  7,
	VAT07Pct:  8,
	VAT105Pct: 9,
	VAT107Pct: 10,
}

func (v ItemVatType) Code() int { return vatCodes[v] }

// ParseItemVatTypeOrDefault falls back to VAT_NONE when the value cannot be
// parsed. The second return reports whether the default was used, so callers
// can log it.
func ParseItemVatTypeOrDefault(s string) (ItemVatType, bool) {
	v := ItemVatType(s)
	if _, ok := vatCodes[v]; !ok {
		return VATNone, true
	}
	return v, false
}

// PaymentType is how the customer paid.
type PaymentType string

const (
	PaymentTypeCash         PaymentType = "CASH"
	PaymentTypeCreditCard   PaymentType = "CREDIT_CARD"
	PaymentTypePrePaid      PaymentType = "PRE_PAID"
	PaymentTypePostPaid     PaymentType = "POST_PAID"
	PaymentTypeCounterOffer PaymentType = "COUNTER_OFFER"
)

var paymentTypes = map[PaymentType]struct {
	code int
	tag  int
}{
	PaymentTypeCash:         {1, 1031},
	PaymentTypeCreditCard:   {2, 1081},
	PaymentTypePrePaid:      {3, 1215},
	PaymentTypePostPaid:     {4, 1216},
	PaymentTypeCounterOffer: {5, 1217},
}

func ParsePaymentType(s string) (PaymentType, error) {
	pt := PaymentType(s)
	if _, ok := paymentTypes[pt]; !ok {
		return "", fmt.Errorf("unknown payment type %q", s)
	}
	return pt, nil
}

func (pt PaymentType) Code() int { return paymentTypes[pt].code }

// FFDTag is the amount tag this payment type is reported under.
func (pt PaymentType) FFDTag() int { return paymentTypes[pt].tag }

// PaymentMethod is the settlement method attribute of an item (tag 1214).
type PaymentMethod string

const (
	PaymentMethodFullPrepayment          PaymentMethod = "FULL_PREPAYMENT"
	PaymentMethodPrepayment              PaymentMethod = "PREPAYMENT"
	PaymentMethodAdvance                 PaymentMethod = "ADVANCE"
	PaymentMethodFullPayment             PaymentMethod = "FULL_PAYMENT"
	PaymentMethodPartialPaymentAndCredit PaymentMethod = "PARTIAL_PAYMENT_AND_CREDIT"
	PaymentMethodTransferOnCredit        PaymentMethod = "TRANSFER_ON_CREDIT"
	PaymentMethodPaymentOfCredit         PaymentMethod = "PAYMENT_OF_CREDIT"
)

// PaymentMethodFFDTag is the FFD tag for the settlement method attribute.
const PaymentMethodFFDTag = 1214

var paymentMethodCodes = map[PaymentMethod]int{
	PaymentMethodFullPrepayment:          1,
	PaymentMethodPrepayment:              2,
	PaymentMethodAdvance:                 3,
	PaymentMethodFullPayment:             4,
	PaymentMethodPartialPaymentAndCredit: 5,
	PaymentMethodTransferOnCredit:        6,
	PaymentMethodPaymentOfCredit:         7,
}

func (pm PaymentMethod) Code() int { return paymentMethodCodes[pm] }

// ParsePaymentMethodOrDefault falls back to FULL_PAYMENT when the value
// cannot be parsed.
func ParsePaymentMethodOrDefault(s string) (PaymentMethod, bool) {
	if s == "" {
		return PaymentMethodFullPayment, false
	}
	pm := PaymentMethod(s)
	if _, ok := paymentMethodCodes[pm]; !ok {
		return PaymentMethodFullPayment, true
	}
	return pm, false
}

// PaymentObject is the settlement subject attribute of an item (tag 1212).
type PaymentObject string

const (
	PaymentObjectCommodity       PaymentObject = "COMMODITY"
	PaymentObjectExcise          PaymentObject = "EXCISE"
	PaymentObjectJob             PaymentObject = "JOB"
	PaymentObjectService         PaymentObject = "SERVICE"
	PaymentObjectGamblingBet     PaymentObject = "GAMBLING_BET"
	PaymentObjectGamblingWin     PaymentObject = "GAMBLING_WIN"
	PaymentObjectLotteryTicket   PaymentObject = "LOTTERY_TICKET"
	PaymentObjectLotteryWin      PaymentObject = "LOTTERY_WIN"
	PaymentObjectRID             PaymentObject = "RID"
	PaymentObjectPayment         PaymentObject = "PAYMENT"
	PaymentObjectAgentCommission PaymentObject = "AGENT_COMMISSION"
	PaymentObjectComposite       PaymentObject = "COMPOSITE"
	PaymentObjectOther           PaymentObject = "OTHER"
)

// PaymentObjectFFDTag is the FFD tag for the settlement subject attribute.
const PaymentObjectFFDTag = 1212

var paymentObjectCodes = map[PaymentObject]int{
	PaymentObjectCommodity:       1,
	PaymentObjectExcise:          2,
	PaymentObjectJob:             3,
	PaymentObjectService:         4,
	PaymentObjectGamblingBet:     5,
	PaymentObjectGamblingWin:     6,
	PaymentObjectLotteryTicket:   7,
	PaymentObjectLotteryWin:      8,
	PaymentObjectRID:             9,
	PaymentObjectPayment:         10,
	PaymentObjectAgentCommission: 11,
	PaymentObjectComposite:       12,
	PaymentObjectOther:           13,
}

func (po PaymentObject) Code() int { return paymentObjectCodes[po] }

// ParsePaymentObjectOrDefault falls back to COMMODITY when the value cannot
// be parsed.
func ParsePaymentObjectOrDefault(s string) (PaymentObject, bool) {
	if s == "" {
		return PaymentObjectCommodity, false
	}
	po := PaymentObject(s)
	if _, ok := paymentObjectCodes[po]; !ok {
		return PaymentObjectCommodity, true
	}
	return po, false
}

// AgentType is the agent role attribute (tag 1222). Codes are a bitmask.
type AgentType string

const (
	AgentTypeBankPaymentAgent    AgentType = "BANK_PAYMENT_AGENT"
	AgentTypeBankPaymentSubagent AgentType = "BANK_PAYMENT_SUBAGENT"
	AgentTypePaymentAgent        AgentType = "PAYMENT_AGENT"
	AgentTypePaymentSubagent     AgentType = "PAYMENT_SUBAGENT"
	AgentTypeAttorney            AgentType = "ATTORNEY"
	AgentTypeCommissionAgent     AgentType = "COMMISSION_AGENT"
	AgentTypeOtherAgent          AgentType = "OTHER_AGENT"
)

// AgentTypeFFDTag is the FFD tag for the agent role attribute.
const AgentTypeFFDTag = 1222

var agentTypeCodes = map[AgentType]int{
	AgentTypeBankPaymentAgent:    1,
	AgentTypeBankPaymentSubagent: 2,
	AgentTypePaymentAgent:        4,
	AgentTypePaymentSubagent:     8,
	AgentTypeAttorney:            16,
	AgentTypeCommissionAgent:     32,
	AgentTypeOtherAgent:          64,
}

func (at AgentType) FFDCode() int { return agentTypeCodes[at] }

func ParseAgentType(s string) (AgentType, error) {
	at := AgentType(s)
	if _, ok := agentTypeCodes[at]; !ok {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return at, nil
}

// Validate checks the cross-field invariants of an order before it goes
// anywhere near a device.
func (o *Order) Validate() error {
	sc, err := ParseSaleCharge(o.SaleCharge)
	if err != nil {
		return err
	}
	if sc.IsCorrection() && o.Correction == nil {
		return fmt.Errorf("correction cannot be empty for ORDER_ID=%d", o.ID)
	}
	if o.IsElectronic {
		if o.Customer == nil || strings.TrimSpace(o.Customer.ID()) == "" {
			return fmt.Errorf("electronic order %d has no customer email or phone", o.ID)
		}
	}
	return nil
}
