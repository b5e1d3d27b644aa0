package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/s33g/azure-chat/internal/llm"
	"github.com/s33g/azure-chat/internal/storage"
)

// recordScript adds one call's token counts to a daily hash and refreshes its TTL.
// Returns the day's running total.
const recordScript = `
redis.call('HINCRBY', KEYS[1], 'prompt_tokens', tonumber(ARGV[1]))
redis.call('HINCRBY', KEYS[1], 'completion_tokens', tonumber(ARGV[2]))
local total = redis.call('HINCRBY', KEYS[1], 'total_tokens', tonumber(ARGV[3]))
redis.call('HINCRBY', KEYS[1], 'requests', 1)

local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
end

return total
`

// Totals is the usage of one deployment on one UTC day
type Totals struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Requests         int64
}

// Ledger keeps daily per-deployment token usage in Redis
type Ledger struct {
	client    *storage.Client
	retention time.Duration
	recordSHA string
}

// NewLedger creates a ledger. Daily counters expire after retention; zero keeps them forever.
func NewLedger(ctx context.Context, client *storage.Client, retention time.Duration) (*Ledger, error) {
	sha, err := client.Redis().ScriptLoad(ctx, recordScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load usage script: %w", err)
	}

	return &Ledger{
		client:    client,
		retention: retention,
		recordSHA: sha,
	}, nil
}

// Record adds the usage reported for one call made at the given time and
// returns the deployment's total tokens for that day
func (l *Ledger) Record(ctx context.Context, deployment string, u llm.Usage, at time.Time) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to record usage: %w", err)
	}

	key := l.client.Keys().Usage(deployment, at)
	args := []any{u.PromptTokens, u.CompletionTokens, u.TotalTokens, int64(l.retention.Seconds())}

	result, err := l.client.Redis().EvalSha(ctx, l.recordSHA, []string{key}, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// Script cache was flushed; EVAL loads it again
		result, err = l.client.Redis().Eval(ctx, recordScript, []string{key}, args...).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("usage record failed: %w", err)
	}

	total, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected usage result format")
	}
	return total, nil
}

// Totals returns the recorded usage of a deployment on the UTC day containing day
func (l *Ledger) Totals(ctx context.Context, deployment string, day time.Time) (Totals, error) {
	key := l.client.Keys().Usage(deployment, day)

	values, err := l.client.Redis().HGetAll(ctx, key).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("failed to get usage: %w", err)
	}

	var t Totals
	for field, dst := range map[string]*int64{
		"prompt_tokens":     &t.PromptTokens,
		"completion_tokens": &t.CompletionTokens,
		"total_tokens":      &t.TotalTokens,
		"requests":          &t.Requests,
	} {
		raw, ok := values[field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Totals{}, fmt.Errorf("invalid usage field %s: %w", field, err)
		}
		*dst = n
	}
	return t, nil
}
