package routing

import "strings"

// Curated construction-record vocabulary. The site operates on Chinese
// construction documentation, so the phrase lists are kept in the source
// language the queries arrive in.

// constructionKeywords are phrases that by themselves identify a
// construction-record query.
var constructionKeywords = []string{
	"施工记录", "施工进度", "施工质量", "施工验收", "施工现场", "施工材料",
	"施工安全", "施工检查", "施工测量", "施工图纸", "施工工序", "隐蔽工程",
	"施工日志", "施工报验", "施工整改", "施工工程量", "施工工时", "施工设备",
	"施工人员", "施工环境", "文明施工", "工程进度", "工程质量", "工程验收",
	"进度如何", "质量如何", "检查结果", "验收结果", "现场情况", "材料情况",
}

// basicConstructionTerms only count when they co-occur with a construction
// context word.
var basicConstructionTerms = []string{"进度", "质量", "验收", "现场", "材料", "安全", "检查"}

// constructionContextWords anchor a basic term to the construction domain.
var constructionContextWords = []string{"施工", "工程", "工地", "项目", "现场"}

// commonConstructionQueries are frequent short forms matched verbatim.
var commonConstructionQueries = []string{"质量检查", "安全检查", "进度检查", "材料检查"}

// IsConstructionRecordQuery reports whether the text is a construction-record
// query according to the deterministic keyword rules. Matching is done on the
// lowercased input so mixed-script queries behave consistently.
func IsConstructionRecordQuery(text string) bool {
	lower := strings.ToLower(text)

	for _, kw := range constructionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	for _, term := range basicConstructionTerms {
		if !strings.Contains(lower, term) {
			continue
		}
		for _, ctxWord := range constructionContextWords {
			if strings.Contains(lower, ctxWord) {
				return true
			}
		}
	}

	for _, q := range commonConstructionQueries {
		if strings.Contains(lower, q) {
			return true
		}
	}

	return false
}
