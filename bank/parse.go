package bank

import (
	"bufio"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/utils"
)

const (
	maxDescriptionLength  = 500
	maxCounterpartyLength = 255
)

var ErrInvalidFile = errors.New("invalid bank file")

func truncate(s string, n int) string {
	return utils.TruncateRunes(strings.TrimSpace(s), n)
}

// detectDelimiter picks the most frequent of ';', tab and ',' in the header
// line. Ties go to ';' and then tab, since Swedish exports use decimal commas.
func detectDelimiter(header string) rune {
	best, bestCount := ',', 0
	for _, d := range []rune{';', '\t', ','} {
		if n := strings.Count(header, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// ParseCSV reads rows with the columns date, amount, currency, description
// and counterparty, identified by the header row. The delimiter is detected
// from the header; amounts may use decimal commas.
func ParseCSV(r io.Reader) ([]models.NewBankTransaction, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(1024)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	firstLine := string(header)
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.Comma = detectDelimiter(firstLine)
	// leading space trimming would swallow empty tab separated fields
	reader.TrimLeadingSpace = reader.Comma != '\t'

	cols, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidFile, err)
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\uFEFF")))] = i
	}
	for _, required := range []string{"date", "amount"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidFile, required)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []models.NewBankTransaction
	line := 1
	for {
		line++
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		// "2025-03-01 10:00" keeps its date part
		date, err := utils.ParseDate(strings.SplitN(field(rec, "date"), " ", 2)[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, line, err)
		}
		amount, err := utils.ParseAmount(field(rec, "amount"))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, line, err)
		}
		currency := strings.ToUpper(field(rec, "currency"))
		if len(currency) > 3 {
			currency = currency[:3]
		}
		out = append(out, models.NewBankTransaction{
			Date:            date,
			Amount:          amount,
			Currency:        currency,
			Description:     truncate(field(rec, "description"), maxDescriptionLength),
			CounterpartyRef: truncate(field(rec, "counterparty"), maxCounterpartyLength),
		})
	}
	return out, nil
}

type camtDocument struct {
	XMLName    xml.Name        `xml:"Document"`
	Statements []camtStatement `xml:"BkToCstmrStmt>Stmt"`
}

type camtStatement struct {
	Entries []camtEntry `xml:"Ntry"`
}

type camtEntry struct {
	Amount         camtAmount      `xml:"Amt"`
	CreditDebit    string          `xml:"CdtDbtInd"`
	BookingDate    camtDate        `xml:"BookgDt"`
	ValueDate      camtDate        `xml:"ValDt"`
	AdditionalInfo string          `xml:"AddtlNtryInf"`
	Details        []camtTxDetails `xml:"NtryDtls>TxDtls"`
}

type camtAmount struct {
	Value    string `xml:",chardata"`
	Currency string `xml:"Ccy,attr"`
}

type camtDate struct {
	Date     string `xml:"Dt"`
	DateTime string `xml:"DtTm"`
}

func (d camtDate) value() string {
	if s := strings.TrimSpace(d.Date); s != "" {
		return s
	}
	if s := strings.TrimSpace(d.DateTime); len(s) >= 10 {
		return s[:10]
	}
	return ""
}

type camtTxDetails struct {
	Unstructured []string `xml:"RmtInf>Ustrd"`
	Creditor     string   `xml:"RltdPties>Cdtr>Nm"`
	Debtor       string   `xml:"RltdPties>Dbtr>Nm"`
}

// ParseCamt053 reads the entries of an ISO 20022 BkToCstmrStmt document.
// Debit entries (CdtDbtInd DBIT) are returned with a negative amount.
func ParseCamt053(r io.Reader) ([]models.NewBankTransaction, error) {
	var doc camtDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	var out []models.NewBankTransaction
	for si, stmt := range doc.Statements {
		for ei, e := range stmt.Entries {
			raw := e.ValueDate.value()
			if raw == "" {
				raw = e.BookingDate.value()
			}
			date, err := utils.ParseDate(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: statement %d entry %d: %v", ErrInvalidFile, si+1, ei+1, err)
			}
			amount, err := utils.ParseAmount(e.Amount.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: statement %d entry %d: %v", ErrInvalidFile, si+1, ei+1, err)
			}
			if strings.EqualFold(strings.TrimSpace(e.CreditDebit), "DBIT") {
				amount = amount.Abs().Neg()
			}

			var description, counterparty string
			for _, d := range e.Details {
				if description == "" {
					description = strings.TrimSpace(strings.Join(d.Unstructured, " "))
				}
				if counterparty == "" {
					counterparty = strings.TrimSpace(d.Creditor)
				}
				if counterparty == "" {
					counterparty = strings.TrimSpace(d.Debtor)
				}
			}
			if description == "" {
				description = e.AdditionalInfo
			}
			currency := strings.ToUpper(strings.TrimSpace(e.Amount.Currency))
			if len(currency) > 3 {
				currency = currency[:3]
			}
			out = append(out, models.NewBankTransaction{
				Date:            date,
				Amount:          amount,
				Currency:        currency,
				Description:     truncate(description, maxDescriptionLength),
				CounterpartyRef: truncate(counterparty, maxCounterpartyLength),
			})
		}
	}
	return out, nil
}
