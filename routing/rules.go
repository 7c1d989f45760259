package routing

// Rule maps a resolved request type to its target queue and base priority.
type Rule struct {
	Queue    string `yaml:"queue"`
	Priority int    `yaml:"priority"`
}

// RuleTable is the type -> rule lookup consulted after classification.
type RuleTable map[string]Rule

// Well-known queue names.
const (
	QueueFileProcessing       = "file_processing"
	QueueQueryProcessing      = "query_processing"
	QueueNaturalLanguage      = "natural_language_query"
	QueueConstructionRecords  = "construction_record_processing"
	QueueStatus               = "status_queue"
	QueueReview               = "review_queue"
	DefaultQueue              = "default_processing"
)

// Request types the default table knows about.
const (
	TypeUpload             = "upload"
	TypeQuery              = "query"
	TypeNaturalLanguage    = "natural_language_query"
	TypeConstructionRecord = "construction_record_processing"
)

// DefaultPriorityUnmatched is used whenever routing falls back to the
// default queue for a recognized but unmatched request.
const DefaultPriorityUnmatched = 3

// DefaultRules returns the built-in routing table. Config-provided rules are
// merged over it.
func DefaultRules() RuleTable {
	return RuleTable{
		TypeUpload:             {Queue: QueueFileProcessing, Priority: 7},
		TypeQuery:              {Queue: QueueQueryProcessing, Priority: 9},
		TypeNaturalLanguage:    {Queue: QueueNaturalLanguage, Priority: 9},
		TypeConstructionRecord: {Queue: QueueConstructionRecords, Priority: 8},
	}
}

// Merge overlays other onto the table, returning the table for chaining.
func (t RuleTable) Merge(other RuleTable) RuleTable {
	for k, v := range other {
		t[k] = v
	}
	return t
}
