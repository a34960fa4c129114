package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mkarlsen/CrewDesk/internal/pkg/cache"
	"github.com/mkarlsen/CrewDesk/internal/pkg/database"
)

const outcomesKey = "billing:counters:outcomes"

// AddOutcome increments the pending counter for one reconciliation outcome
// in Redis. Best-effort: a failed increment never affects reconciliation.
func AddOutcome(outcome string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, outcomesKey, outcome, 1).Err()
}

// FlushOutcomes drains the pending outcome counters into the
// billing_event_stats table under today's date. Uses RENAME to a temporary
// key for an atomic drain without losing in-flight increments.
func FlushOutcomes() error {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", outcomesKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", outcomesKey, tmpKey).Err(); err != nil {
		// Key missing means nothing accumulated since the last flush.
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || err.Error() == "redis: nil" {
			return nil
		}
		return err
	}
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	type pair struct {
		outcome string
		inc     int64
	}
	pairs := make([]pair, 0, len(data))
	for outcome, raw := range data {
		inc, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{outcome: outcome, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].outcome < pairs[j].outcome })

	statDate := time.Now().Format("2006-01-02")
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("INSERT INTO billing_event_stats (stat_date, outcome, count, created_at, updated_at) VALUES ")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString("(?, ?, ?, NOW(), NOW())")
		args = append(args, statDate, p.outcome, p.inc)
	}
	builder.WriteString(" ON DUPLICATE KEY UPDATE count = count + VALUES(count), updated_at = NOW()")

	return database.GetDB().Exec(builder.String(), args...).Error
}
