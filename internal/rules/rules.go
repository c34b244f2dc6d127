// Package rules carries the shipped rule text assets. Three files are
// loaded in fixed order: scheduling, lifecycle, health. User rules
// are appended after them sorted ascending by priority.
package rules

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed scheduling.dl lifecycle.dl health.dl
var shipped embed.FS

// Load order matters: can_place is defined in scheduling and
// referenced from lifecycle's can_restart.
var shippedOrder = []string{"scheduling.dl", "lifecycle.dl", "health.dl"}

// Thresholds parameterize the two numeric literals in the health
// rules. With defaults the rendered text is the shipped rule bodies
// verbatim.
type Thresholds struct {
	StaleThresholdS      int
	OverloadThresholdPct int
}

func DefaultThresholds() Thresholds {
	return Thresholds{StaleThresholdS: 30, OverloadThresholdPct: 90}
}

// Shipped renders the three shipped rule files in load order into one
// program text.
func Shipped(t Thresholds) (string, error) {
	if t.StaleThresholdS < 1 {
		return "", fmt.Errorf("stale threshold must be >= 1, got %d", t.StaleThresholdS)
	}
	if t.OverloadThresholdPct < 0 || t.OverloadThresholdPct > 100 {
		return "", fmt.Errorf("overload threshold must be 0..100, got %d", t.OverloadThresholdPct)
	}
	var b strings.Builder
	for _, name := range shippedOrder {
		raw, err := shipped.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("read shipped rule %s: %w", name, err)
		}
		tmpl, err := template.New(name).Parse(string(raw))
		if err != nil {
			return "", fmt.Errorf("render shipped rule %s: %w", name, err)
		}
		if err := tmpl.Execute(&b, t); err != nil {
			return "", fmt.Errorf("render shipped rule %s: %w", name, err)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
