package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/registry"
)

// historyDepth bounds how many transactions are retained per agent.
const historyDepth = 1000

// transferScript moves whole units between two balances atomically, refusing
// overdrafts.
//
// KEYS[1] = from balance, KEYS[2] = to balance; ARGV[1] = amount
var transferScript = backend.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if bal < amount then
	return -1
end
redis.call('DECRBY', KEYS[1], amount)
redis.call('INCRBY', KEYS[2], amount)
return bal - amount
`)

// Ledger is an account store for agents, exposed to conversations as the
// transfer/balance/history tools. The engine treats these as opaque calls;
// all semantics live here.
type Ledger struct {
	client *backend.Client
	prefix string
}

// NewLedger creates a Ledger on an existing client.
func NewLedger(client *backend.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Ledger{client: client, prefix: prefix}
}

// Transaction is one history entry.
type Transaction struct {
	TxID   string    `json:"tx_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Amount int64     `json:"amount"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (l *Ledger) balanceKey(agent string) string {
	return l.prefix + "ledger:balance:" + agent
}

func (l *Ledger) historyKey(agent string) string {
	return l.prefix + "ledger:history:" + agent
}

// Register adds the ledger tools to the registry. Transfer is deliberately
// not side-effect free, so the strict dedup policy refuses repeats.
func (l *Ledger) Register(reg *registry.Registry) {
	reg.Register(domain.Tool{
		Name:        "transfer",
		Description: "Transfers whole units from one agent's balance to another.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"from":   map[string]any{"type": "string"},
				"to":     map[string]any{"type": "string"},
				"amount": map[string]any{"type": "integer", "minimum": 1},
				"reason": map[string]any{"type": "string"},
			},
			"required": []any{"from", "to", "amount"},
		},
	}, l.transfer)

	reg.Register(domain.Tool{
		Name:        "balance",
		Description: "Returns an agent's current balance.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{"type": "string"},
			},
			"required": []any{"agent"},
		},
		SideEffectFree: true,
	}, l.balance)

	reg.Register(domain.Tool{
		Name:        "history",
		Description: "Lists an agent's most recent transactions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []any{"agent"},
		},
		SideEffectFree: true,
	}, l.history)
}

// Credit mints amount units onto an agent's balance. Operator seeding, not a
// registered tool.
func (l *Ledger) Credit(ctx context.Context, agent string, amount int64) error {
	return l.client.IncrBy(ctx, l.balanceKey(agent), amount).Err()
}

func (l *Ledger) transfer(ctx context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	from, _ := args["from"].(string)
	to, _ := args["to"].(string)
	amount, ok := intArg(args["amount"])
	if from == "" || to == "" || !ok || amount <= 0 {
		return fmtError(domain.ErrorTypeValidation, "transfer requires from, to and a positive integer amount"), nil
	}
	if from == to {
		return fmtError(domain.ErrorTypeValidation, "transfer from %s to itself", from), nil
	}
	reason, _ := args["reason"].(string)

	rest, err := transferScript.Run(ctx, l.client,
		[]string{l.balanceKey(from), l.balanceKey(to)}, amount).Int64()
	if err != nil {
		return nil, err
	}
	if rest < 0 {
		return fmtError(domain.ErrorTypeValidation, "insufficient funds on %s for %d", from, amount), nil
	}

	tx := Transaction{
		TxID:   uuid.NewString(),
		From:   from,
		To:     to,
		Amount: amount,
		Reason: reason,
		At:     time.Now().UTC(),
	}
	entry, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	pipe := l.client.TxPipeline()
	for _, agent := range []string{from, to} {
		pipe.LPush(ctx, l.historyKey(agent), entry)
		pipe.LTrim(ctx, l.historyKey(agent), 0, historyDepth-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return &domain.ToolOutput{
		Status: domain.ToolSuccess,
		Data:   map[string]any{"tx_id": tx.TxID, "status": "committed", "remaining": rest},
	}, nil
}

func (l *Ledger) balance(ctx context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	agent, _ := args["agent"].(string)
	if agent == "" {
		return fmtError(domain.ErrorTypeValidation, "balance requires an agent argument"), nil
	}
	val, err := l.client.Get(ctx, l.balanceKey(agent)).Int64()
	if err != nil && err != backend.Nil {
		return nil, err
	}
	return &domain.ToolOutput{Status: domain.ToolSuccess, Data: map[string]any{"agent": agent, "amount": val}}, nil
}

func (l *Ledger) history(ctx context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	agent, _ := args["agent"].(string)
	if agent == "" {
		return fmtError(domain.ErrorTypeValidation, "history requires an agent argument"), nil
	}
	limit, ok := intArg(args["limit"])
	if !ok || limit <= 0 || limit > historyDepth {
		limit = 20
	}

	entries, err := l.client.LRange(ctx, l.historyKey(agent), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	txs := make([]Transaction, 0, len(entries))
	for _, entry := range entries {
		var tx Transaction
		if err := json.Unmarshal([]byte(entry), &tx); err != nil {
			continue
		}
		txs = append(txs, tx)
	}
	return &domain.ToolOutput{Status: domain.ToolSuccess, Data: txs}, nil
}

// intArg accepts the integer encodings JSON and yaml produce.
func intArg(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), n == float64(int64(n))
	default:
		return 0, false
	}
}
