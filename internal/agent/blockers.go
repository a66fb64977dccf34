package agent

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Blocker reasons. A blocker is an external condition the agent cannot
// resolve on its own; matching one stops the run for operator attention.
const (
	BlockerInsufficientFunds = "insufficient_funds"
	BlockerRateLimit         = "rate_limit"
	BlockerAPIKeyError       = "api_key_error"
	BlockerPermissionDenied  = "permission_denied"
	BlockerConnectionError   = "connection_error"
)

type blockerPattern struct {
	reason  string
	markers []string
}

// Markers are matched case-insensitively against assistant text. Keep
// them specific enough that an agent merely talking about rate limits
// does not trip them.
var defaultBlockerPatterns = []blockerPattern{
	{
		reason: BlockerInsufficientFunds,
		markers: []string{
			"insufficient funds",
			"insufficient balance",
			"not enough funds",
			"balance too low",
		},
	},
	{
		reason: BlockerRateLimit,
		markers: []string{
			"rate limit exceeded",
			"rate limit reached",
			"too many requests",
			"quota exceeded",
		},
	},
	{
		reason: BlockerAPIKeyError,
		markers: []string{
			"invalid api key",
			"incorrect api key",
			"api key expired",
			"missing api key",
			"authentication failed",
		},
	},
	{
		reason: BlockerPermissionDenied,
		markers: []string{
			"permission denied",
			"access denied",
			"operation not permitted",
			"forbidden by policy",
		},
	},
	{
		reason: BlockerConnectionError,
		markers: []string{
			"connection refused",
			"connection reset",
			"network unreachable",
			"could not connect to",
		},
	},
}

// fundsAmountPattern pulls the balance out of phrases like
// "insufficient funds 0.02 SOL" or "insufficient balance: 1.5 ETH".
var fundsAmountPattern = regexp.MustCompile(`(?i)insufficient (?:funds|balance)\D{0,10}?(\d+(?:\.\d+)?)\s*([A-Z]{2,6})?`)

// BlockerDetector matches assistant text against the blocker pattern
// table and extracts structured context where the text carries it.
type BlockerDetector struct {
	patterns []blockerPattern
}

func NewBlockerDetector() *BlockerDetector {
	return &BlockerDetector{patterns: defaultBlockerPatterns}
}

// Detect returns blocker info for the first matching pattern category,
// or nil when nothing matches. All markers that hit are recorded, so
// the operator sees every signal, not just the first.
func (d *BlockerDetector) Detect(text string) *store.BlockerInfo {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var reason string
	var matched []string
	for _, p := range d.patterns {
		for _, m := range p.markers {
			if strings.Contains(lower, m) {
				if reason == "" {
					reason = p.reason
				}
				matched = append(matched, m)
			}
		}
	}
	if reason == "" {
		return nil
	}

	info := &store.BlockerInfo{
		Reason:          reason,
		MatchedPatterns: matched,
	}
	if reason == BlockerInsufficientFunds {
		if ctx := extractFundsContext(text); len(ctx) > 0 {
			info.ExtractedContext = ctx
		}
	}
	return info
}

func extractFundsContext(text string) map[string]string {
	m := fundsAmountPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	ctx := map[string]string{"current": m[1]}
	if m[2] != "" {
		ctx["asset"] = m[2]
	}
	return ctx
}
