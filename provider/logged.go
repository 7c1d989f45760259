package provider

import (
	"context"
	"time"

	"github.com/siteworks/siteflow/logging"
)

// Logged wraps a provider so every invocation is timed and logged under a
// stable name. Loggers implementing logging.ProviderLogger receive the full
// structured telemetry; others get a plain log line.
func Logged(p Provider, name string, l logging.Logger) Provider {
	return Func(func(ctx context.Context, in Input) (*Result, error) {
		start := time.Now()
		res, err := p.Invoke(ctx, in)
		dur := time.Since(start)

		var confidence float64
		if res != nil {
			confidence = res.Confidence
		}
		if pl, ok := l.(logging.ProviderLogger); ok {
			pl.LogProviderCall(name, confidence, dur, err == nil, err)
		} else if err != nil {
			l.Warn("provider call failed", "provider", name, "duration", dur, "error", err)
		} else {
			l.Debug("provider call completed", "provider", name, "confidence", confidence, "duration", dur)
		}
		return res, err
	})
}
