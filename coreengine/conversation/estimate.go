package conversation

import (
	"math"
	"unicode"
)

// Token estimation for records produced locally, before the reasoning
// service has reported authoritative usage. ASCII text averages about four
// characters per token; CJK scripts pack closer to two and a half. Each
// record also costs a fixed per-message framing overhead.
const (
	asciiCharsPerToken = 4.0
	cjkCharsPerToken   = 2.5

	// RecordOverheadTokens is the fixed framing cost per record.
	RecordOverheadTokens = 4
)

// EstimateTextTokens estimates the token count of a text fragment.
// Empty text costs nothing; the per-record overhead is added by
// EstimateRecordTokens.
func EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := float64(cjk)/cjkCharsPerToken + float64(other)/asciiCharsPerToken
	return int(math.Ceil(tokens))
}

// EstimateRecordTokens estimates the token cost of a whole record,
// including tool-call payloads and framing overhead.
func EstimateRecordTokens(rec *Record) int {
	total := EstimateTextTokens(rec.Content)
	for _, tc := range rec.ToolCalls {
		total += EstimateTextTokens(tc.Name) + EstimateTextTokens(tc.Arguments)
	}
	return total + RecordOverheadTokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
