// Package nplusone flags statements a single transaction runs over and over.
package nplusone

import (
	"sort"

	"go.uber.org/zap"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
	"github.com/fllarpy/elastic-apm-probe/infrastructure/metrics"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
)

type Config struct {
	Enabled   bool
	Threshold int
}

// Finding is a statement executed at least Threshold times in one transaction.
type Finding struct {
	Statement string `json:"statement"`
	Count     int    `json:"count"`
}

type Detector struct {
	threshold int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewDetector returns nil when detection is disabled. A nil Detector finds nothing.
func NewDetector(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Detector {
	if !cfg.Enabled || cfg.Threshold <= 0 {
		return nil
	}
	logger = logging.OrNop(logger)
	logger.Info("N+1 query detector enabled", zap.Int("threshold", cfg.Threshold))
	return &Detector{threshold: cfg.Threshold, logger: logger, metrics: m}
}

// Inspect runs Detect over the spans of transaction and reports each finding.
func (d *Detector) Inspect(transaction string, spans []apm.SpanCandidate) []Finding {
	if d == nil {
		return nil
	}
	findings := Detect(spans, d.threshold)
	for _, f := range findings {
		d.logger.Warn("N+1 query detected",
			zap.String("transaction", transaction),
			zap.String("statement", f.Statement),
			zap.Int("count", f.Count))
	}
	d.metrics.NPlusOneDetected(len(findings))
	return findings
}

// Detect counts query spans by statement. Statements are expected to be
// normalized already, so queries differing only in literals group together.
// Findings are ordered by count, highest first.
func Detect(spans []apm.SpanCandidate, threshold int) []Finding {
	if threshold <= 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, s := range spans {
		if s.Action != "query" || s.Context == nil || s.Context.DB == nil {
			continue
		}
		if stmt := s.Context.DB.Statement; stmt != "" {
			counts[stmt]++
		}
	}

	var findings []Finding
	for stmt, n := range counts {
		if n >= threshold {
			findings = append(findings, Finding{Statement: stmt, Count: n})
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Count != findings[j].Count {
			return findings[i].Count > findings[j].Count
		}
		return findings[i].Statement < findings[j].Statement
	})
	return findings
}
