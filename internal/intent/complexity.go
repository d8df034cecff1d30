package intent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hearthlabs/hearth/internal/domain"
)

// Verdict labels stored in complexity-routing corrections.
const (
	VerdictSimple  = "simple"
	VerdictComplex = "complex"
)

// Patterns that mark a query as multi-step: conditionals, sequencing,
// comparison, and multi-action phrasing, in English and German.
var complexityMarkers = []string{
	// sequencing
	"and then", "after that", "afterwards", "once you", "followed by",
	"und dann", "danach", "anschließend", "zuerst", "erst ", "als nächstes",
	// comparison
	"compare", "difference between", "which is better", "versus",
	"vergleiche", "unterschied zwischen", "was ist besser",
	// multi-action
	"both ", "all of", "each of", "for every",
	"sowohl", "beides", "jeweils",
}

var conditionalRe = regexp.MustCompile(`(?i)\b(if|when|unless|wenn|falls|sobald)\b.+\b(then|dann|turn|set|tell|schalte|sag)\b`)

// multiVerbRe catches "do X and do Y" style double imperatives.
var multiVerbRe = regexp.MustCompile(`(?i)\b(turn|set|play|start|stop|dim|open|close|schalte|stelle|spiele|öffne|schließe)\b.+\b(and|und)\b.+\b(turn|set|play|start|stop|dim|open|close|check|tell|schalte|stelle|spiele|öffne|schließe|prüfe|sag)\b`)

// Complexity decides whether a query routes to the agent loop. The decision
// is deterministic pattern matching, optionally flipped by stored
// complexity-routing corrections.
type Complexity struct {
	enabled  bool
	fewshots *Fewshots
}

func NewComplexity(agentEnabled bool, fewshots *Fewshots) *Complexity {
	return &Complexity{enabled: agentEnabled, fewshots: fewshots}
}

// IsComplex reports whether the query should take the agent path. With the
// agent loop disabled everything is simple.
func (c *Complexity) IsComplex(ctx context.Context, query string) bool {
	if !c.enabled {
		return false
	}

	verdict := matchComplexity(query)

	if c.fewshots != nil {
		examples, err := c.fewshots.Examples(ctx, domain.ScopeComplexityRouting, query)
		if err != nil {
			slog.Warn("complexity: feedback lookup failed", "error", err)
		} else if len(examples) > 0 {
			// The most similar correction wins over the heuristic.
			switch examples[0].RightLabel {
			case VerdictComplex:
				verdict = true
			case VerdictSimple:
				verdict = false
			}
		}
	}
	return verdict
}

func matchComplexity(query string) bool {
	q := strings.ToLower(query)
	for _, marker := range complexityMarkers {
		if strings.Contains(q, marker) {
			return true
		}
	}
	return conditionalRe.MatchString(query) || multiVerbRe.MatchString(query)
}
