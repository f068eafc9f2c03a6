package sie

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const (
	sieDateLayout = "20060102"
	programName   = "bookkeeping_core"
	programVer    = "1.0"
	DefaultSeries = "V"
)

var ErrInvalidFile = errors.New("invalid SIE file")

type Transaction struct {
	Account string
	// Amount is positive for debit and negative for credit.
	Amount decimal.Decimal
}

type Voucher struct {
	Series       string
	Number       int64
	Date         time.Time
	Text         string
	Transactions []Transaction
}

// Sum is the signed total of the voucher; zero when it balances.
func (v *Voucher) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range v.Transactions {
		sum = sum.Add(t.Amount)
	}
	return sum
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", " ")
	return `"` + s + `"`
}

// Write encodes vouchers as a type 4 SIE file in code page 437.
func Write(w io.Writer, vouchers []Voucher) error {
	enc := transform.NewWriter(w, encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder()))
	bw := bufio.NewWriter(enc)

	header := []string{
		"#FLAGGA 0",
		"#PROGRAM " + quote(programName) + " " + programVer,
		"#FORMAT PC8",
		"#GEN " + time.Now().UTC().Format(sieDateLayout),
		"#SIETYP 4",
	}
	for _, h := range header {
		if _, err := bw.WriteString(h + "\r\n"); err != nil {
			return err
		}
	}
	for _, v := range vouchers {
		series := v.Series
		if series == "" {
			series = DefaultSeries
		}
		if _, err := fmt.Fprintf(bw, "#VER %s %d %s %s\r\n{\r\n", quote(series), v.Number, v.Date.Format(sieDateLayout), quote(v.Text)); err != nil {
			return err
		}
		for _, t := range v.Transactions {
			if _, err := fmt.Fprintf(bw, "   #TRANS %s {} %s\r\n", t.Account, t.Amount.StringFixed(2)); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString("}\r\n"); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// tokenize splits a SIE line into fields. Quoted strings lose their quotes
// and escapes; {...} object lists stay one token.
func tokenize(line string) ([]string, error) {
	var out []string
	r := []rune(line)
	for i := 0; i < len(r); {
		switch {
		case r[i] == ' ' || r[i] == '\t':
			i++
		case r[i] == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(r) {
				if r[i] == '\\' && i+1 < len(r) {
					b.WriteRune(r[i+1])
					i += 2
					continue
				}
				if r[i] == '"' {
					closed = true
					i++
					break
				}
				b.WriteRune(r[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string in %q", line)
			}
			out = append(out, b.String())
		case r[i] == '{':
			start := i
			for i < len(r) && r[i] != '}' {
				i++
			}
			if i == len(r) {
				return nil, fmt.Errorf("unterminated object list in %q", line)
			}
			i++
			out = append(out, string(r[start:i]))
		default:
			start := i
			for i < len(r) && r[i] != ' ' && r[i] != '\t' {
				i++
			}
			out = append(out, string(r[start:i]))
		}
	}
	return out, nil
}

func parseDate(s string) (time.Time, bool) {
	if len(s) != 8 {
		return time.Time{}, false
	}
	d, err := time.Parse(sieDateLayout, s)
	return d, err == nil
}

func parseVer(fields []string) (Voucher, error) {
	// #VER series [number] date [text] ...
	if len(fields) < 3 {
		return Voucher{}, fmt.Errorf("short #VER line")
	}
	v := Voucher{Series: fields[1]}
	rest := fields[2:]
	if d, ok := parseDate(safeIndex(rest, 1)); ok {
		if rest[0] != "" {
			n, err := strconv.ParseInt(rest[0], 10, 64)
			if err != nil {
				return Voucher{}, fmt.Errorf("invalid voucher number %q", rest[0])
			}
			v.Number = n
		}
		v.Date = d
		rest = rest[2:]
	} else if d, ok := parseDate(rest[0]); ok {
		v.Date = d
		rest = rest[1:]
	} else {
		return Voucher{}, fmt.Errorf("missing voucher date")
	}
	if len(rest) > 0 {
		v.Text = rest[0]
	}
	return v, nil
}

func safeIndex(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

func parseTrans(fields []string) (Transaction, error) {
	// #TRANS account {objects} amount ...
	if len(fields) < 4 {
		return Transaction{}, fmt.Errorf("short #TRANS line")
	}
	amount, err := utils.ParseDecimal(fields[3])
	if err != nil {
		return Transaction{}, fmt.Errorf("invalid amount %q", fields[3])
	}
	return Transaction{Account: fields[1], Amount: amount}, nil
}

// Parse decodes a code page 437 SIE file. #TRANS lines may sit inside a
// { } block after #VER or follow it directly.
func Parse(r io.Reader) ([]Voucher, error) {
	scanner := bufio.NewScanner(transform.NewReader(r, charmap.CodePage437.NewDecoder()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		out     []Voucher
		current *Voucher
		inBlock bool
		lineNo  int
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "{":
			if current == nil || inBlock {
				return nil, fmt.Errorf("%w: line %d: unexpected {", ErrInvalidFile, lineNo)
			}
			inBlock = true
			continue
		case line == "}":
			if !inBlock {
				return nil, fmt.Errorf("%w: line %d: unexpected }", ErrInvalidFile, lineNo)
			}
			inBlock = false
			flush()
			continue
		case !strings.HasPrefix(line, "#"):
			continue
		}

		fields, err := tokenize(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, lineNo, err)
		}
		switch strings.ToUpper(fields[0]) {
		case "#VER":
			if inBlock {
				return nil, fmt.Errorf("%w: line %d: #VER inside a voucher block", ErrInvalidFile, lineNo)
			}
			flush()
			v, err := parseVer(fields)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, lineNo, err)
			}
			current = &v
		case "#TRANS":
			if current == nil {
				return nil, fmt.Errorf("%w: line %d: #TRANS outside a voucher", ErrInvalidFile, lineNo)
			}
			t, err := parseTrans(fields)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, lineNo, err)
			}
			current.Transactions = append(current.Transactions, t)
		default:
			// header and dimension records other than vouchers are not imported
			if !inBlock {
				flush()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if inBlock {
		return nil, fmt.Errorf("%w: missing } at end of file", ErrInvalidFile)
	}
	flush()
	return out, nil
}

// sanitizeAccount maps codes failing the numeric length check to the suspense account.
func sanitizeAccount(code string) string {
	code = strings.TrimSpace(code)
	if models.IsValidAccountCode(code) {
		return code
	}
	return models.SuspenseAccount
}

// balance sanitizes accounts and puts any residual on the suspense account.
func balance(txs []Transaction) []Transaction {
	out := make([]Transaction, 0, len(txs)+1)
	sum := decimal.Zero
	for _, t := range txs {
		amount := models.Round2(t.Amount)
		out = append(out, Transaction{Account: sanitizeAccount(t.Account), Amount: amount})
		sum = sum.Add(amount)
	}
	if sum.Abs().GreaterThanOrEqual(models.BalanceTolerance) {
		out = append(out, Transaction{Account: models.SuspenseAccount, Amount: sum.Neg()})
	}
	return out
}
