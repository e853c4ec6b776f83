package paymentgateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	gw "github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
)

// Result codes the simulated host answers with.
const (
	codeApproved          = 0
	codeInsufficientFunds = 116
	codeNotPermitted      = 119
)

type ResolveJob struct {
	TransactionID string
}

type Worker struct {
	ID         int
	WorkerPool chan chan ResolveJob
	JobChannel chan ResolveJob
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan ResolveJob, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan ResolveJob),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(ResolveJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker resolving transaction", "worker_id", w.ID, "transaction_id", job.TransactionID)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type transaction struct {
	mode       gw.Mode
	amount     decimal.Decimal
	currency   int
	clientIP   string
	result     string
	resultCode int
	captured   bool
	reversed   decimal.Decimal
	createdAt  time.Time
}

type Config struct {
	ReturnURL     string
	Timeout       time.Duration
	MaxWorkers    int
	JobQueueSize  int
	MinDelay      time.Duration
	MaxDelay      time.Duration
	SuccessRate   float64
	SendCallbacks bool
}

// Client is an in-process stand-in for the MAIB ECOMM host. Registered
// transactions are resolved by a worker pool after a random delay, the way
// a buyer would complete the hosted page.
type Client struct {
	config Config
	logger *slog.Logger
	http   *http.Client

	mu           sync.RWMutex
	transactions map[string]*transaction

	jobQueue   chan ResolveJob
	workerPool chan chan ResolveJob
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
	rnd        *mathrand.Rand
	rndMu      sync.Mutex
}

func NewClient(config Config, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	jobQueueSize := config.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	client := &Client{
		config:       config,
		logger:       logger,
		http:         &http.Client{Timeout: config.Timeout},
		transactions: make(map[string]*transaction),

		maxWorkers: maxWorkers,
		jobQueue:   make(chan ResolveJob, jobQueueSize),
		workerPool: make(chan chan ResolveJob, maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
		rnd:        mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}

	client.startWorkerPool()

	return client
}

func (c *Client) startWorkerPool() {
	c.once.Do(func() {
		for i := 0; i < c.maxWorkers; i++ {
			worker := NewWorker(i, c.workerPool, c.logger)
			worker.Start(c.ctx, &c.wg, c.resolve)
		}

		c.wg.Add(1)
		go c.dispatch()

		c.logger.Info("simulated ECOMM host started",
			"max_workers", c.maxWorkers,
			"queue_size", cap(c.jobQueue))
	})
}

func (c *Client) dispatch() {
	defer c.wg.Done()

	for {
		select {
		case job := <-c.jobQueue:
			select {
			case jobChannel := <-c.workerPool:
				select {
				case jobChannel <- job:
				case <-c.ctx.Done():
					return
				}
			case <-c.ctx.Done():
				return
			}
		case <-c.ctx.Done():
			c.logger.Info("dispatcher shutting down")
			return
		}
	}
}

func (c *Client) Shutdown() {
	c.logger.Info("shutting down simulated ECOMM host")
	c.cancel()
	c.wg.Wait()
	c.logger.Info("simulated ECOMM host shutdown complete")
}

func (c *Client) Register(ctx context.Context, req *gw.RegisterRequest) (*gw.RegisterResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gw.GatewayError{Op: "register", Message: "request aborted", Cause: err}
	}
	if err := req.Validate(); err != nil {
		raw := map[string]string{gw.KeyError: err.Error()}
		return &gw.RegisterResponse{Error: err.Error(), Raw: raw}, nil
	}

	id, err := newTransactionID()
	if err != nil {
		return nil, &gw.GatewayError{Op: "register", Message: "failed to allocate transaction id", Cause: err}
	}

	c.mu.Lock()
	c.transactions[id] = &transaction{
		mode:      req.Mode,
		amount:    req.Amount,
		currency:  req.CurrencyCode,
		clientIP:  req.ClientIP,
		result:    gw.ResultCreated,
		createdAt: time.Now(),
	}
	c.mu.Unlock()

	select {
	case c.jobQueue <- ResolveJob{TransactionID: id}:
	default:
		c.logger.Warn("job queue full, transaction stays CREATED",
			"transaction_id", id,
			"queue_capacity", cap(c.jobQueue))
	}

	c.logger.Info("transaction registered",
		"transaction_id", id,
		"mode", req.Mode,
		"amount", minorUnits(req.Amount),
		"currency", req.CurrencyCode)

	raw := gw.ParseResponse(gw.FormatResponse(map[string]string{gw.KeyTransactionID: id}))
	return &gw.RegisterResponse{TransactionID: id, Raw: raw}, nil
}

func (c *Client) QueryResult(ctx context.Context, transactionID, clientIP string) (*gw.RemoteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gw.GatewayError{Op: "result", Message: "request aborted", Cause: err}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, ok := c.transactions[transactionID]
	if !ok {
		return respond(map[string]string{gw.KeyError: "transaction not found"}), nil
	}
	if clientIP != "" && tx.clientIP != clientIP {
		c.logger.Debug("client ip differs from registration", "transaction_id", transactionID)
	}

	raw := map[string]string{gw.KeyResult: tx.result}
	if tx.result != gw.ResultCreated && tx.result != gw.ResultPending {
		raw[gw.KeyResultCode] = resultCode(tx.resultCode)
	}
	if tx.result == gw.ResultOK {
		raw["3DSECURE"] = "AUTHENTICATED"
		raw["RRN"] = cast.ToString(tx.createdAt.Unix())
		raw["APPROVAL_CODE"] = strings.ToUpper(transactionID[:6])
		raw["CARD_NUMBER"] = "4***********1111"
	}
	return respond(raw), nil
}

func (c *Client) Capture(ctx context.Context, req *gw.CaptureRequest) (*gw.RemoteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gw.GatewayError{Op: "capture", Message: "request aborted", Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[req.TransactionID]
	switch {
	case !ok:
		return respond(map[string]string{gw.KeyError: "transaction not found"}), nil
	case tx.mode != gw.ModeDMS:
		return respond(map[string]string{gw.KeyError: "not a DMS transaction"}), nil
	case tx.result != gw.ResultOK || tx.captured:
		return respond(map[string]string{gw.KeyResult: gw.ResultFailed, gw.KeyResultCode: resultCode(codeNotPermitted)}), nil
	case req.Amount.GreaterThan(tx.amount):
		return respond(map[string]string{gw.KeyError: "amount exceeds authorization"}), nil
	}

	tx.captured = true
	tx.amount = req.Amount

	c.logger.Info("transaction captured", "transaction_id", req.TransactionID, "amount", minorUnits(req.Amount))
	return respond(map[string]string{
		gw.KeyResult:     gw.ResultOK,
		gw.KeyResultCode: resultCode(codeApproved),
		"RRN":            cast.ToString(time.Now().Unix()),
	}), nil
}

func (c *Client) Reverse(ctx context.Context, transactionID string, amount decimal.Decimal) (*gw.RemoteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gw.GatewayError{Op: "reverse", Message: "request aborted", Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[transactionID]
	if !ok {
		return respond(map[string]string{gw.KeyError: "transaction not found"}), nil
	}
	if tx.result != gw.ResultOK {
		return respond(map[string]string{gw.KeyResult: gw.ResultFailed, gw.KeyResultCode: resultCode(codeNotPermitted)}), nil
	}
	if tx.reversed.Add(amount).GreaterThan(tx.amount) {
		return respond(map[string]string{gw.KeyError: "reversal amount exceeds transaction amount"}), nil
	}

	tx.reversed = tx.reversed.Add(amount)
	if tx.reversed.Equal(tx.amount) {
		tx.result = gw.ResultReversed
	}

	c.logger.Info("transaction reversed", "transaction_id", transactionID, "amount", minorUnits(amount))
	return respond(map[string]string{gw.KeyResult: gw.ResultOK, gw.KeyResultCode: resultCode(codeApproved)}), nil
}

// Resolve forces the outcome of a registered transaction.
func (c *Client) Resolve(transactionID, result string, code int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[transactionID]
	if !ok {
		return false
	}
	tx.result, tx.resultCode = result, code
	return true
}

func (c *Client) resolve(job ResolveJob) {
	if !c.transition(job.TransactionID, gw.ResultCreated, gw.ResultPending, 0) {
		return
	}

	delay := c.delay()
	select {
	case <-time.After(delay):
	case <-c.ctx.Done():
		c.logger.Info("resolve job cancelled", "transaction_id", job.TransactionID)
		return
	}

	result, code := gw.ResultOK, codeApproved
	if c.roll() >= c.config.SuccessRate {
		result, code = gw.ResultDeclined, codeInsufficientFunds
	}
	if !c.transition(job.TransactionID, gw.ResultPending, result, code) {
		return
	}

	c.logger.Info("simulated buyer finished hosted page",
		"transaction_id", job.TransactionID,
		"result", result,
		"delay", delay)

	if c.config.SendCallbacks && c.config.ReturnURL != "" {
		c.sendReturn(job.TransactionID)
	}
}

// transition moves a transaction from one result to another unless it was
// changed by someone else meanwhile.
func (c *Client) transition(id, from, to string, code int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[id]
	if !ok || tx.result != from {
		return false
	}
	tx.result, tx.resultCode = to, code
	return true
}

// sendReturn plays the buyer's browser posting back to the return URL.
func (c *Client) sendReturn(transactionID string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.Timeout)
	defer cancel()

	form := url.Values{gw.KeyTransID: {transactionID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ReturnURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error("failed to build return request", "error", err, "transaction_id", transactionID)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// The buyer's browser would follow the continuation; stop at the first hop.
	client := *c.http
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Do(req)
	if err != nil {
		c.logger.Error("return callback failed", "error", err, "transaction_id", transactionID)
		return
	}
	defer resp.Body.Close()

	c.logger.Info("return callback delivered",
		"transaction_id", transactionID,
		"status_code", resp.StatusCode)
}

func (c *Client) delay() time.Duration {
	lo, hi := c.config.MinDelay, c.config.MaxDelay
	if hi <= lo {
		return lo
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return lo + time.Duration(c.rnd.Int63n(int64(hi-lo)))
}

func (c *Client) roll() float64 {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd.Float64()
}

// respond runs the payload through the wire encoding so Raw looks exactly
// like a parsed host response.
func respond(raw map[string]string) *gw.RemoteResult {
	return gw.NewRemoteResult(gw.ParseResponse(gw.FormatResponse(raw)))
}

func resultCode(code int) string {
	return fmt.Sprintf("%03d", code)
}

func minorUnits(amount decimal.Decimal) string {
	return cast.ToString(amount.Shift(2).IntPart())
}

// newTransactionID returns a 28 character id shaped like the host's.
func newTransactionID() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
