package domain

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	StrategyByCompletionOnly         Strategy = "by_completion_only"
	StrategyByStartDateOnly          Strategy = "by_unlock_at_only"
	StrategyByStartDateOrCompletion  Strategy = "by_unlock_at_or_completion"
	StrategyByStartDateAndCompletion Strategy = "by_unlock_at_and_completion"

	DefaultStrategy = StrategyByCompletionOnly
)

var Strategies = []Strategy{
	StrategyByCompletionOnly,
	StrategyByStartDateOnly,
	StrategyByStartDateOrCompletion,
	StrategyByStartDateAndCompletion,
}

var strategyAliases = map[string]Strategy{
	"by_start_date_only":           StrategyByStartDateOnly,
	"by_start_date_or_completion":  StrategyByStartDateOrCompletion,
	"by_start_date_and_completion": StrategyByStartDateAndCompletion,
	"completion":                   StrategyByCompletionOnly,
	"date":                         StrategyByStartDateOnly,
	"date_or_completion":           StrategyByStartDateOrCompletion,
	"date_and_completion":          StrategyByStartDateAndCompletion,
}

func (s Strategy) Valid() bool {
	for _, v := range Strategies {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStrategy accepts the canonical values, their upper-case forms and the
// BY_START_DATE_* aliases.
func ParseStrategy(raw string) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s := Strategy(key); s.Valid() {
		return s, nil
	}
	if s, ok := strategyAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("invalid unlock strategy %q", raw)
}
