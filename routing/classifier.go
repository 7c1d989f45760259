package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/provider"
)

// Intent is the binary outcome of query intent classification.
type Intent string

const (
	// IntentNaturalLanguage is a general-purpose query unrelated to
	// construction records (weather, time, common knowledge).
	IntentNaturalLanguage Intent = TypeNaturalLanguage
	// IntentConstructionRecord is a query about construction records
	// (progress, quality checks, acceptance results).
	IntentConstructionRecord Intent = TypeConstructionRecord
)

// ErrUnavailable signals that a classifier cannot run at all (no credential,
// no backend). Callers fall back rather than fail.
var ErrUnavailable = errors.New("classifier unavailable")

// ErrInvalidLabel signals that the model returned something outside the two
// allowed labels. Treated the same as any other classification failure.
var ErrInvalidLabel = errors.New("classifier returned invalid label")

// Classifier decides the intent of a query text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

const intentPrompt = `You are the routing assistant of a construction project system.
Decide which of the two routing types the user input belongs to:
1. natural_language_query: general questions unrelated to construction records (weather, time, common knowledge)
2. construction_record_processing: questions about construction records (progress, quality checks, acceptance results, materials, safety)

Output exactly one of the two type names and nothing else.

Examples:
Input: 今天天气怎么样？
Output: natural_language_query

Input: 昨天的施工进度如何？质量检查结果是什么？
Output: construction_record_processing

Input: 什么是人工智能？
Output: natural_language_query

Input: 隐蔽工程验收结果如何？
Output: construction_record_processing

User input:
%s`

// DefaultClassifierCacheSize bounds the LLM classifier's result cache.
const DefaultClassifierCacheSize = 1024

// LLMClassifier asks a language model for the intent, with strict output
// validation and a bounded result cache keyed on the input text.
type LLMClassifier struct {
	llm    provider.Provider
	cache  *lru.Cache[string, Intent]
	logger logging.Logger
}

// NewLLMClassifier wraps a provider. A nil provider yields a classifier that
// always reports ErrUnavailable, which the fallback combinator folds into the
// keyword path.
func NewLLMClassifier(llm provider.Provider, logger logging.Logger) *LLMClassifier {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	cache, _ := lru.New[string, Intent](DefaultClassifierCacheSize)
	return &LLMClassifier{llm: llm, cache: cache, logger: logger}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	if c.llm == nil {
		return "", ErrUnavailable
	}
	if intent, ok := c.cache.Get(text); ok {
		return intent, nil
	}

	res, err := c.llm.Invoke(ctx, provider.Input{Text: fmt.Sprintf(intentPrompt, text)})
	if err != nil {
		return "", fmt.Errorf("intent classification: %w", err)
	}

	label := strings.TrimSpace(res.Text)
	switch Intent(label) {
	case IntentNaturalLanguage, IntentConstructionRecord:
		intent := Intent(label)
		c.cache.Add(text, intent)
		c.logger.Info("llm intent classified", "intent", label)
		return intent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
}

// KeywordClassifier is the deterministic rule-based classifier. It never
// fails: a vocabulary match short-circuits to construction-record, everything
// else is a natural-language query.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, text string) (Intent, error) {
	if IsConstructionRecordQuery(text) {
		return IntentConstructionRecord, nil
	}
	return IntentNaturalLanguage, nil
}

// Fallback tries the primary classifier and, on any error, the fallback.
// This is the explicit two-stage combinator; no nested error handling at the
// call sites.
type Fallback struct {
	Primary  Classifier
	Fallback Classifier
	Logger   logging.Logger
}

// NewFallback builds the standard LLM-then-keywords chain.
func NewFallback(primary, fallback Classifier, logger logging.Logger) *Fallback {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Fallback{Primary: primary, Fallback: fallback, Logger: logger}
}

// Classify implements Classifier.
func (f *Fallback) Classify(ctx context.Context, text string) (Intent, error) {
	if f.Primary != nil {
		intent, err := f.Primary.Classify(ctx, text)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			f.Logger.Warn("primary classifier failed, using fallback", "error", err)
		}
	}
	if f.Fallback == nil {
		return "", ErrUnavailable
	}
	return f.Fallback.Classify(ctx, text)
}
