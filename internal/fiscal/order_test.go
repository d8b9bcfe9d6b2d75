package fiscal

import "testing"

func TestValidateRequiresCorrection(t *testing.T) {
	order := &Order{ID: 7, SaleCharge: "SALE_CORRECTION"}
	if err := order.Validate(); err == nil {
		t.Fatal("A correction order without correction data must be rejected")
	}

	order.Correction = &Correction{CorrectionType: CorrectionTypeSelfMade, VatType: "VAT_20PCT"}
	if err := order.Validate(); err != nil {
		t.Fatalf("Order with correction data should pass: %v", err)
	}
}

func TestValidateElectronicNeedsCustomer(t *testing.T) {
	order := &Order{ID: 7, SaleCharge: "SALE", IsElectronic: true}
	if err := order.Validate(); err == nil {
		t.Fatal("An electronic order without a customer must be rejected")
	}

	order.Customer = &Customer{Phone: "+79001234567"}
	if err := order.Validate(); err != nil {
		t.Fatalf("Order with a customer phone should pass: %v", err)
	}
}

func TestCustomerIDPrefersEmail(t *testing.T) {
	c := Customer{Phone: "+79001234567", Email: "buyer@example.com"}
	if c.ID() != "buyer@example.com" {
		t.Errorf("Email should win over phone, got %q", c.ID())
	}
	c.Email = ""
	if c.ID() != "+79001234567" {
		t.Errorf("Phone should be the fallback identity, got %q", c.ID())
	}
}

func TestParseSaleChargeRejectsUnknown(t *testing.T) {
	if _, err := ParseSaleCharge("GIFT"); err == nil {
		t.Fatal("Unknown sale charge must be rejected")
	}
	sc, err := ParseSaleCharge("EXPENSE_CORRECTION")
	if err != nil {
		t.Fatalf("Known sale charge failed: %v", err)
	}
	if !sc.IsCorrection() {
		t.Error("EXPENSE_CORRECTION is a correction")
	}
	if sc.Code() != 3 {
		t.Errorf("Corrections collapse into their base operation, got %d", sc.Code())
	}
}

func TestParseOrDefaultFallbacks(t *testing.T) {
	vat, usedDefault := ParseItemVatTypeOrDefault("VAT_99PCT")
	if vat != VATNone || !usedDefault {
		t.Errorf("Unknown VAT falls back to VAT_NONE, got %q default=%t", vat, usedDefault)
	}
	if vat, usedDefault = ParseItemVatTypeOrDefault("VAT_20PCT"); usedDefault || vat.Code() != 1 {
		t.Errorf("20%% shares the pre-2019 code 1, got %d default=%t", vat.Code(), usedDefault)
	}

	pm, usedDefault := ParsePaymentMethodOrDefault("INSTALLMENTS")
	if pm != PaymentMethodFullPayment || !usedDefault {
		t.Errorf("Unknown method falls back to FULL_PAYMENT, got %q default=%t", pm, usedDefault)
	}
	if pm, usedDefault = ParsePaymentMethodOrDefault(""); usedDefault || pm != PaymentMethodFullPayment {
		t.Errorf("Blank method takes the default without flagging it, got %q default=%t", pm, usedDefault)
	}

	po, usedDefault := ParsePaymentObjectOrDefault("SOUVENIR")
	if po != PaymentObjectCommodity || !usedDefault {
		t.Errorf("Unknown object falls back to COMMODITY, got %q default=%t", po, usedDefault)
	}
}

func TestStatusPredicates(t *testing.T) {
	st := NewStatusResult()
	if st.IsRegistered() {
		t.Error("No document number means not registered")
	}
	if st.IsStorageAttached() {
		t.Error("Blank storage number means no storage")
	}

	doc := 42
	st.CurrentDocNumber = &doc
	st.StorageNumber = " 9999078900005419 "
	st.ModeFR = StatusExpiredSession
	if !st.IsRegistered() || st.DocNumber() != 42 {
		t.Errorf("Expected registered with doc 42, got %d", st.DocNumber())
	}
	if !st.IsStorageAttached() {
		t.Error("Padded storage number still counts as attached")
	}
	if !st.IsSessionClosed() {
		t.Error("Expired mode requires a session close before new checks")
	}
}
