package qkkm

import "encoding/xml"

// Check types on the wire.
const (
	checkTypeSale   = 0
	checkTypeReturn = 2
)

// Device error codes with special handling.
const (
	errCodeBusy         = 80
	errCodeTLVRejected  = 12
	errCodeDecodeFailed = -1
)

// Every command travels inside a Request envelope with a single command
// element. Parameters are attributes, matching the device firmware.

type request struct {
	XMLName xml.Name `xml:"Request"`

	OpenSession      *emptyCommand      `xml:"OpenSession,omitempty"`
	OpenCheck        *openCheckCommand  `xml:"OpenCheck,omitempty"`
	Sale             *saleCommand       `xml:"Sale,omitempty"`
	ReturnSale       *saleCommand       `xml:"ReturnSale,omitempty"`
	SetTLV           *setTLVCommand     `xml:"SetTLV,omitempty"`
	CloseCheck       *closeCheckCommand `xml:"CloseCheck,omitempty"`
	GetLastFdID      *emptyCommand      `xml:"GetLastFdId,omitempty"`
	GetFiscalMark    *fiscalMarkCommand `xml:"GetFiskalMarkById,omitempty"`
	GetDeviceStatus  *emptyCommand      `xml:"GetDeviceStatus,omitempty"`
	GetNumSaleCheck  *numCheckCommand   `xml:"GetNumSaleCheck,omitempty"`
	ZReport          *emptyCommand      `xml:"ZReport,omitempty"`
	CancelCheck      *emptyCommand      `xml:"CancelCheck,omitempty"`
	ContinuePrint    *emptyCommand      `xml:"ContinuePrint,omitempty"`
}

type emptyCommand struct{}

// Request attributes are capitalized and amounts travel as raw integers:
// item amounts in thousandths of a unit, money in kopecks.

type openCheckCommand struct {
	Type     int    `xml:"Type,attr"`
	Operator string `xml:"Operator,attr"`
}

type saleCommand struct {
	Text   string `xml:"Text,attr"`
	Amount int64  `xml:"Amount,attr"`
	Price  int64  `xml:"Price,attr"`
	Group  string `xml:"Group,attr"`
	Tax1   int    `xml:"Tax1,attr"`
	Tax2   int    `xml:"Tax2,attr"`
	Tax3   int    `xml:"Tax3,attr"`
	Tax4   int    `xml:"Tax4,attr"`
}

type setTLVCommand struct {
	Type string `xml:"Type,attr"`
	Data string `xml:"Data,attr"`
	Len  int    `xml:"Len,attr"`
}

type closeCheckCommand struct {
	SummaCash int64 `xml:"SummaCash,attr"`
	Summa2    int64 `xml:"Summa2,attr"`
	Summa3    int64 `xml:"Summa3,attr"`
	Summa4    int64 `xml:"Summa4,attr"`
	Tax1      int   `xml:"Tax1,attr"`
	Tax2      int   `xml:"Tax2,attr"`
	Tax3      int   `xml:"Tax3,attr"`
	Tax4      int   `xml:"Tax4,attr"`
}

type fiscalMarkCommand struct {
	ID string `xml:"Id,attr"`
}

type numCheckCommand struct {
	SessionNum int `xml:"SessionNum,attr"`
}

// response is the device reply envelope. Only the element matching the sent
// command is populated; the error element is always present.
type response struct {
	XMLName xml.Name `xml:"Response"`

	Error deviceError `xml:"Error"`

	Status     *statusPayload `xml:"GetDeviceStatus"`
	LastFdID   *valuePayload  `xml:"GetLastFdId"`
	FiscalMark *markPayload   `xml:"GetFiskalMarkById"`
	NumCheck   *valuePayload  `xml:"GetNumSaleCheck"`
	CloseCheck *valuePayload  `xml:"CloseCheck"`
}

type deviceError struct {
	ID   int    `xml:"id,attr"`
	Text string `xml:"text,attr"`
}

type statusPayload struct {
	IsOnline                 string `xml:"isOnline,attr"`
	StatusMessageHTML        string `xml:"statusMessageHtml,attr"`
	CurrentDocNumber         int    `xml:"currentDocNumber,attr"`
	NumberLastClousedSession int    `xml:"numberLastClousedSession,attr"`
	DeviceErrorCode          int    `xml:"deviceErrorCode,attr"`
	INN                      string `xml:"inn,attr"`
	SerialNumber             string `xml:"serialNumber,attr"`
	StorageNumber            string `xml:"fnNumber,attr"`
	ModeFR                   int    `xml:"modeFR,attr"`
	SubModeFR                int    `xml:"subModeFR,attr"`
	DateFR                   string `xml:"dateFR,attr"`
	TimeFR                   string `xml:"timeFR,attr"`
}

type valuePayload struct {
	Value string `xml:"value,attr"`
}

type markPayload struct {
	Mark string `xml:"fiskalMark,attr"`
}
