package collector

import (
	"regexp"
	"strings"
)

var (
	placeholderRun = regexp.MustCompile(`(\?, )+`)
	digitRun       = regexp.MustCompile(`\d+`)
)

// NormalizeQuery makes statements that differ only in literal values
// identical: runs of "?, " placeholders collapse to one and every digit run
// becomes "?".
//
//	SELECT * FROM t WHERE id IN (?, ?, ?, ?)  ->  SELECT * FROM t WHERE id IN (?, ?)
//	... WHERE user_id = 1234                  ->  ... WHERE user_id = ?
func NormalizeQuery(sql string) string {
	statement := strings.TrimSpace(sql)
	statement = placeholderRun.ReplaceAllString(statement, "?, ")
	return digitRun.ReplaceAllString(statement, "?")
}

// QueryVerb returns the upper-cased first word of sql, e.g. SELECT or INSERT.
func QueryVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
