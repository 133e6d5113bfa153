package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// RecordingGateway is a scriptable in-memory gateway used by tests and
// local development. Every call is recorded; outcomes are programmed
// per call or through hook functions.
type RecordingGateway struct {
	mu sync.Mutex

	name       string
	currencies map[string]int64 // currency -> minimum amount
	statuses   map[string]Status
	messages   map[string]string

	nextResults []ChargeResult
	nextErr     error
	seq         int

	ChargeCalls []ChargeRequest
	SourceCalls []string
	StatusCalls []string
	RefundCalls []string
}

func NewRecordingGateway(name string) *RecordingGateway {
	return &RecordingGateway{
		name: name,
		currencies: map[string]int64{
			"USD": 50,
			"EUR": 50,
			"GBP": 30,
		},
		statuses: map[string]Status{},
		messages: map[string]string{},
	}
}

func (g *RecordingGateway) Name() string { return g.name }

// EnqueueResult programs the outcome of the next charge call. With an
// empty queue, charges succeed with a generated gateway id.
func (g *RecordingGateway) EnqueueResult(result ChargeResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextResults = append(g.nextResults, result)
}

// FailNext makes the next charge call return err instead of a result.
func (g *RecordingGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextErr = err
}

// SetTransactionStatus programs the status poll answer for a gateway id.
func (g *RecordingGateway) SetTransactionStatus(gatewayID string, status Status, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[gatewayID] = status
	g.messages[gatewayID] = message
}

// SetCurrency declares a supported currency and its minimum amount.
func (g *RecordingGateway) SetCurrency(currency string, minimum int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currencies[strings.ToUpper(currency)] = minimum
}

// DropCurrency removes currency support.
func (g *RecordingGateway) DropCurrency(currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.currencies, strings.ToUpper(currency))
}

func (g *RecordingGateway) Charge(ctx context.Context, method PaymentMethod, req ChargeRequest) (ChargeResult, error) {
	_ = method
	return g.charge(ctx, req)
}

func (g *RecordingGateway) ChargeSource(ctx context.Context, sourceRef string, req ChargeRequest) (ChargeResult, error) {
	g.mu.Lock()
	g.SourceCalls = append(g.SourceCalls, sourceRef)
	g.mu.Unlock()
	return g.charge(ctx, req)
}

func (g *RecordingGateway) charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ChargeCalls = append(g.ChargeCalls, req)

	if g.nextErr != nil {
		err := g.nextErr
		g.nextErr = nil
		return ChargeResult{}, &ChargeError{Gateway: g.name, Message: err.Error(), Err: err}
	}

	if len(g.nextResults) > 0 {
		result := g.nextResults[0]
		g.nextResults = g.nextResults[1:]
		if result.GatewayID == "" {
			result.GatewayID = g.generateID()
		}
		g.statuses[result.GatewayID] = result.Status
		g.messages[result.GatewayID] = result.Message
		return result, nil
	}

	id := g.generateID()
	g.statuses[id] = StatusSucceeded
	return ChargeResult{GatewayID: id, Status: StatusSucceeded}, nil
}

func (g *RecordingGateway) generateID() string {
	g.seq++
	return fmt.Sprintf("%s_ch_%04d", g.name, g.seq)
}

func (g *RecordingGateway) TransactionStatus(ctx context.Context, gatewayID string) (Status, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.StatusCalls = append(g.StatusCalls, gatewayID)
	status, ok := g.statuses[gatewayID]
	if !ok {
		return "", "", fmt.Errorf("unknown gateway transaction %s", gatewayID)
	}
	return status, g.messages[gatewayID], nil
}

func (g *RecordingGateway) Refund(ctx context.Context, gatewayID string, amount int64, currency string) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.RefundCalls = append(g.RefundCalls, gatewayID)
	if _, ok := g.statuses[gatewayID]; !ok {
		return RefundResult{}, fmt.Errorf("unknown gateway transaction %s", gatewayID)
	}
	_ = amount
	_ = currency
	g.seq++
	return RefundResult{
		RefundID: fmt.Sprintf("%s_re_%04d", g.name, g.seq),
		Status:   StatusSucceeded,
	}, nil
}

func (g *RecordingGateway) SupportsCurrency(currency string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.currencies[strings.ToUpper(currency)]
	return ok
}

func (g *RecordingGateway) MinimumAmount(currency string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currencies[strings.ToUpper(currency)]
}
