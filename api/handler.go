package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/bank"
	"github.com/mmdatafocus/bookkeeping_core/compliance"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/ledger"
	"github.com/mmdatafocus/bookkeeping_core/middlewares"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/period"
	"github.com/mmdatafocus/bookkeeping_core/sie"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/mmdatafocus/bookkeeping_core/vat"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	maxUploadSize   = 20 << 20
)

type Deps struct {
	Store   store.Reader
	Ledger  *ledger.Service
	Periods *period.Manager
	Engine  *compliance.Engine
	Vat     *vat.Aggregator
	Bank    *bank.Service
	Sie     *sie.Service
	Chain   *audit.Chain
	Logger  *logrus.Logger
}

type Handler struct {
	store   store.Reader
	ledger  *ledger.Service
	periods *period.Manager
	engine  *compliance.Engine
	vat     *vat.Aggregator
	bank    *bank.Service
	sie     *sie.Service
	chain   *audit.Chain
	logger  *logrus.Logger
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = config.GetLogger()
	}
	return &Handler{
		store:   d.Store,
		ledger:  d.Ledger,
		periods: d.Periods,
		engine:  d.Engine,
		vat:     d.Vat,
		bank:    d.Bank,
		sie:     d.Sie,
		chain:   d.Chain,
		logger:  d.Logger,
	}
}

// Register mounts the routes. Everything except the chain check is scoped to
// the business named by the X-Business-Id header.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/audit/verify", h.verifyChain)

	g := r.Group("/", middlewares.RequireBusiness())
	g.POST("/verifications", h.createVerification)
	g.GET("/verifications", h.listVerifications)
	g.GET("/verifications/:id", h.getVerification)
	g.POST("/verifications/:id/reverse", h.reverseVerification)
	g.POST("/verifications/:id/correct", h.correctVerification)

	g.GET("/compliance/verifications/:id", h.verificationScore)
	g.POST("/compliance/flags/:id/resolve", h.resolveFlag)
	g.GET("/compliance/report", h.complianceReport)

	g.POST("/period/close", h.closePeriod)
	g.GET("/period/status", h.periodStatus)
	g.POST("/fiscal-years", h.registerFiscalYear)

	g.GET("/vat/declaration", h.vatDeclaration)
	g.GET("/vat/declaration/file", h.vatDeclarationFile)

	g.POST("/bank/import", h.importBank)
	g.GET("/bank/transactions", h.listBankTransactions)
	g.GET("/bank/transactions/:id/suggest", h.suggestMatches)
	g.POST("/bank/transactions/:id/accept", h.acceptMatch)
	g.POST("/bank/transactions/:id/settle", h.settle)

	g.GET("/exports/sie", h.exportSie)
	g.POST("/imports/sie", h.importSie)
}

func businessId(c *gin.Context) string {
	id, _ := utils.GetBusinessIdFromContext(c.Request.Context())
	return id
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func queryDate(c *gin.Context, key string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, true
	}
	t, err := utils.ParseDate(raw)
	if err != nil {
		badRequest(c, key+": "+err.Error())
		return nil, false
	}
	return &t, true
}

func queryYear(c *gin.Context) (int, bool) {
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		badRequest(c, "year is required")
		return 0, false
	}
	return year, true
}

// The owns* helpers answer not found for records of other businesses.

func (h *Handler) ownsVerification(c *gin.Context, id int) error {
	v, err := h.store.GetVerification(c.Request.Context(), id)
	if err != nil {
		return err
	}
	if v.BusinessId != businessId(c) {
		return models.ErrNotFound
	}
	return nil
}

func (h *Handler) ownsBankTransaction(c *gin.Context, id int) error {
	bt, err := h.store.GetBankTransaction(c.Request.Context(), id)
	if err != nil {
		return err
	}
	if bt.BusinessId != businessId(c) {
		return models.ErrNotFound
	}
	return nil
}

type entryRequest struct {
	Account   string          `json:"account"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	Dimension string          `json:"dimension"`
}

type verificationRequest struct {
	Date         string           `json:"date" binding:"required"`
	Description  string           `json:"description"`
	TotalAmount  decimal.Decimal  `json:"total_amount"`
	Currency     string           `json:"currency"`
	VatAmount    *decimal.Decimal `json:"vat_amount"`
	VatCode      string           `json:"vat_code"`
	Counterparty string           `json:"counterparty"`
	DocumentLink string           `json:"document_link"`
	Entries      []entryRequest   `json:"entries"`
}

func (r verificationRequest) toInput(businessId string) (*models.NewVerification, error) {
	date, err := utils.ParseDate(r.Date)
	if err != nil {
		return nil, models.NewValidationError("date", err.Error())
	}
	input := &models.NewVerification{
		BusinessId:   businessId,
		Date:         date,
		Description:  r.Description,
		TotalAmount:  r.TotalAmount,
		Currency:     r.Currency,
		VatAmount:    r.VatAmount,
		VatCode:      r.VatCode,
		Counterparty: r.Counterparty,
		DocumentLink: r.DocumentLink,
	}
	for _, e := range r.Entries {
		input.Entries = append(input.Entries, models.NewEntry{
			Account:   e.Account,
			Debit:     e.Debit,
			Credit:    e.Credit,
			Dimension: e.Dimension,
		})
	}
	return input, nil
}

func (h *Handler) createVerification(c *gin.Context) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	input, err := req.toInput(businessId(c))
	if err != nil {
		h.fail(c, "createVerification", err)
		return
	}
	receipt, err := h.ledger.Create(c.Request.Context(), input)
	if err != nil {
		h.fail(c, "createVerification", err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func (h *Handler) listVerifications(c *gin.Context) {
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	if to != nil {
		// inclusive in the query, exclusive in the filter
		next := to.AddDate(0, 0, 1)
		to = &next
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	vs, err := h.ledger.List(c.Request.Context(), store.VerificationFilter{
		BusinessId: businessId(c),
		From:       from,
		To:         to,
		Limit:      limit,
	})
	if err != nil {
		h.fail(c, "listVerifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verifications": vs})
}

func (h *Handler) getVerification(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := h.ownsVerification(c, id); err != nil {
		h.fail(c, "getVerification", err)
		return
	}
	receipt, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "getVerification", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) reverseVerification(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reverseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if err := h.ownsVerification(c, id); err != nil {
		h.fail(c, "reverseVerification", err)
		return
	}
	receipt, err := h.ledger.Reverse(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.fail(c, "reverseVerification", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type correctRequest struct {
	Date         *string `json:"date"`
	DocumentLink *string `json:"document_link"`
}

func (h *Handler) correctVerification(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req correctRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	correction := models.Correction{DocumentLink: req.DocumentLink}
	if req.Date != nil {
		d, err := utils.ParseDate(*req.Date)
		if err != nil {
			h.fail(c, "correctVerification", models.NewValidationError("date", err.Error()))
			return
		}
		correction.Date = &d
	}
	if err := h.ownsVerification(c, id); err != nil {
		h.fail(c, "correctVerification", err)
		return
	}
	result, err := h.ledger.Correct(c.Request.Context(), id, correction)
	if err != nil {
		h.fail(c, "correctVerification", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) verificationScore(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := h.ownsVerification(c, id); err != nil {
		h.fail(c, "verificationScore", err)
		return
	}
	receipt, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "verificationScore", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"verification_id": id,
		"score":           receipt.Score,
		"flags":           receipt.Flags,
	})
}

func (h *Handler) resolveFlag(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	f, err := h.store.GetFlag(c.Request.Context(), id)
	if err == nil && f.BusinessId != businessId(c) {
		err = models.ErrNotFound
	}
	if err != nil {
		h.fail(c, "resolveFlag", err)
		return
	}
	resolved, err := h.ledger.ResolveFlag(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "resolveFlag", err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

func (h *Handler) complianceReport(c *gin.Context) {
	year, ok := queryYear(c)
	if !ok {
		return
	}
	report, err := h.engine.YearReport(c.Request.Context(), businessId(c), year)
	if err != nil {
		h.fail(c, "complianceReport", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type rangeRequest struct {
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

func (r rangeRequest) parse() (time.Time, time.Time, error) {
	start, err := utils.ParseDate(r.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, models.NewValidationError("start_date", err.Error())
	}
	end, err := utils.ParseDate(r.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, models.NewValidationError("end_date", err.Error())
	}
	return start, end, nil
}

func (h *Handler) closePeriod(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	start, end, err := req.parse()
	if err != nil {
		h.fail(c, "closePeriod", err)
		return
	}
	lock, err := h.periods.Lock(c.Request.Context(), businessId(c), start, end)
	if err != nil {
		h.fail(c, "closePeriod", err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

func (h *Handler) periodStatus(c *gin.Context) {
	status, err := h.periods.Status(c.Request.Context(), businessId(c))
	if err != nil {
		h.fail(c, "periodStatus", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) registerFiscalYear(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	start, end, err := req.parse()
	if err != nil {
		h.fail(c, "registerFiscalYear", err)
		return
	}
	fy, err := h.periods.RegisterFiscalYear(c.Request.Context(), businessId(c), start, end)
	if err != nil {
		h.fail(c, "registerFiscalYear", err)
		return
	}
	c.JSON(http.StatusCreated, fy)
}

func (h *Handler) vatDeclaration(c *gin.Context) {
	d, err := h.vat.Declare(c.Request.Context(), businessId(c), c.Query("period"))
	if err != nil {
		h.fail(c, "vatDeclaration", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"declaration": d,
		"boxes":       d.BoxMap(),
	})
}

func (h *Handler) vatDeclarationFile(c *gin.Context) {
	period := c.Query("period")
	d, err := h.vat.Declare(c.Request.Context(), businessId(c), period)
	if err != nil {
		h.fail(c, "vatDeclarationFile", err)
		return
	}
	var buf bytes.Buffer
	switch strings.ToLower(c.DefaultQuery("format", "csv")) {
	case "csv":
		if err := vat.WriteSKVFile(&buf, d); err != nil {
			h.fail(c, "vatDeclarationFile", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=moms-%s.csv", d.Period))
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
	case "xlsx":
		if err := vat.WriteWorkbook(&buf, d); err != nil {
			h.fail(c, "vatDeclarationFile", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=moms-%s.xlsx", d.Period))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	default:
		badRequest(c, "format must be csv or xlsx")
	}
}

func (h *Handler) importBank(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	defer file.Close()

	format := strings.ToLower(c.Query("format"))
	if format == "" {
		format = "csv"
		if strings.EqualFold(filepath.Ext(header.Filename), ".xml") {
			format = "camt"
		}
	}
	var rows []models.NewBankTransaction
	switch format {
	case "csv":
		rows, err = bank.ParseCSV(file)
	case "camt", "camt053":
		rows, err = bank.ParseCamt053(file)
	default:
		badRequest(c, "format must be csv or camt")
		return
	}
	if err != nil {
		h.fail(c, "importBank", err)
		return
	}
	res, err := h.bank.Import(c.Request.Context(), businessId(c), rows)
	if err != nil {
		h.fail(c, "importBank", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryDecimal(c *gin.Context, key string) (*decimal.Decimal, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, true
	}
	d, err := utils.ParseAmount(raw)
	if err != nil {
		badRequest(c, key+": "+err.Error())
		return nil, false
	}
	return &d, true
}

func (h *Handler) listBankTransactions(c *gin.Context) {
	f := store.BankFilter{BusinessId: businessId(c), Text: strings.TrimSpace(c.Query("q"))}
	if raw := c.Query("matched"); raw != "" {
		matched, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "matched must be true or false")
			return
		}
		f.Matched = &matched
	}
	var ok bool
	if f.From, ok = queryDate(c, "from"); !ok {
		return
	}
	if f.To, ok = queryDate(c, "to"); !ok {
		return
	}
	if f.To != nil {
		next := f.To.AddDate(0, 0, 1)
		f.To = &next
	}
	if f.MinAmount, ok = queryDecimal(c, "min_amount"); !ok {
		return
	}
	if f.MaxAmount, ok = queryDecimal(c, "max_amount"); !ok {
		return
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))

	rows, err := h.bank.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, "listBankTransactions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": rows})
}

func (h *Handler) suggestMatches(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	window, _ := strconv.Atoi(c.DefaultQuery("window_days", "0"))
	if err := h.ownsBankTransaction(c, id); err != nil {
		h.fail(c, "suggestMatches", err)
		return
	}
	suggestions, err := h.bank.Suggest(c.Request.Context(), id, window)
	if err != nil {
		h.fail(c, "suggestMatches", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

type matchRequest struct {
	VerificationId int `json:"verification_id" binding:"required"`
}

func (h *Handler) bindMatch(c *gin.Context) (int, matchRequest, bool) {
	id, ok := pathId(c)
	if !ok {
		return 0, matchRequest{}, false
	}
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "verification_id is required")
		return 0, matchRequest{}, false
	}
	if err := h.ownsBankTransaction(c, id); err != nil {
		h.fail(c, "bindMatch", err)
		return 0, matchRequest{}, false
	}
	return id, req, true
}

func (h *Handler) acceptMatch(c *gin.Context) {
	id, req, ok := h.bindMatch(c)
	if !ok {
		return
	}
	bt, err := h.bank.Accept(c.Request.Context(), id, req.VerificationId)
	if err != nil {
		h.fail(c, "acceptMatch", err)
		return
	}
	c.JSON(http.StatusOK, bt)
}

func (h *Handler) settle(c *gin.Context) {
	id, req, ok := h.bindMatch(c)
	if !ok {
		return
	}
	res, err := h.bank.Settle(c.Request.Context(), id, req.VerificationId)
	if err != nil {
		h.fail(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) exportSie(c *gin.Context) {
	year, ok := queryYear(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if _, err := h.sie.ExportYear(c.Request.Context(), &buf, businessId(c), year); err != nil {
		h.fail(c, "exportSie", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=export-%d.se", year))
	c.Data(http.StatusOK, "text/plain; charset=IBM437", buf.Bytes())
}

func (h *Handler) importSie(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	defer file.Close()
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".se", ".sie", ".txt":
	default:
		badRequest(c, "expected a .se, .sie or .txt file")
		return
	}
	res, err := h.sie.Import(c.Request.Context(), businessId(c), file)
	if err != nil {
		h.fail(c, "importSie", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) verifyChain(c *gin.Context) {
	report, err := h.chain.Verify(c.Request.Context())
	if err != nil {
		h.fail(c, "verifyChain", err)
		return
	}
	c.JSON(http.StatusOK, report)
}
