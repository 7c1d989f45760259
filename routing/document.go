package routing

import "strings"

// Document describes an uploaded file for routing purposes.
type Document struct {
	FilePath string
	FileType string
	FileSize int64
	// Content carries the raw bytes when the upload is submitted inline.
	// Left empty, the extraction pipeline loads the file from FilePath.
	Content []byte
	// Intent is an optional user-declared request type overriding the
	// file-type rule.
	Intent string
	// Metadata may carry explicit "target_queue" / "priority" overrides
	// that win over everything except the health check.
	Metadata map[string]any
}

// Size brackets in bytes and the priority each bracket assigns. The bracket
// overrides whatever priority the type/intent merge produced.
const (
	SmallFileLimit  = 1 << 20  // 1 MiB
	MediumFileLimit = 10 << 20 // 10 MiB

	SmallFilePriority  = 5
	MediumFilePriority = 7
	LargeFilePriority  = 9
)

// SizeBracket names the bracket a file size falls into.
func SizeBracket(size int64) string {
	switch {
	case size < SmallFileLimit:
		return "small"
	case size < MediumFileLimit:
		return "medium"
	default:
		return "large"
	}
}

func bracketPriority(size int64) int {
	switch SizeBracket(size) {
	case "small":
		return SmallFilePriority
	case "medium":
		return MediumFilePriority
	default:
		return LargeFilePriority
	}
}

// imageTypes recognized by the file-type rule.
var imageTypes = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "bmp": {}, "tiff": {},
}

// RouteDocument resolves the queue and priority for an uploaded document.
// Layering, weakest to strongest: file-type rule, user-intent override,
// size bracket, explicit metadata override. Health rerouting and context
// priority adjustment apply the same way as for queries, and the whole
// resolution is fail-open.
func (r *Router) RouteDocument(doc Document, reqCtx Context) (decision Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("document routing failed, using default queue", "panic", p)
			decision = r.decision(r.defaultQueue, 1, StrategyFailOpen)
		}
	}()

	targetQueue, priority := r.typeRule(doc.FileType)

	if doc.Intent != "" {
		if rule, ok := r.rules[doc.Intent]; ok {
			targetQueue = rule.Queue
			priority = rule.Priority
		}
	}

	priority = bracketPriority(doc.FileSize)

	if doc.Metadata != nil {
		if q, ok := doc.Metadata["target_queue"].(string); ok && q != "" {
			targetQueue = q
		}
		if p, ok := doc.Metadata["priority"].(int); ok {
			priority = p
		}
	}

	if r.shouldReroute(targetQueue) {
		alt := r.alternative()
		r.logger.Info("rerouting document away from degraded queue", "from", targetQueue, "to", alt)
		targetQueue = alt
	}

	priority = r.adjustPriority(priority, reqCtx)
	r.logger.Info("document routed", "file", doc.FilePath, "type", doc.FileType, "bracket", SizeBracket(doc.FileSize), "queue", targetQueue, "priority", priority)
	return r.recorded(TypeUpload, r.decision(targetQueue, priority, StrategyIntelligent))
}

// typeRule maps a file type to its base queue and priority.
func (r *Router) typeRule(fileType string) (string, int) {
	ft := strings.ToLower(strings.TrimPrefix(fileType, "."))
	if _, ok := imageTypes[ft]; ok {
		return QueueFileProcessing, 7
	}
	switch ft {
	case "pdf":
		return QueueFileProcessing, 8
	case "txt", "md":
		return QueueFileProcessing, 6
	default:
		return r.defaultQueue, DefaultPriorityUnmatched
	}
}
