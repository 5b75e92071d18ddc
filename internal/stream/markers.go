package stream

import "strings"

// Accepted spellings of the analysis block delimiters. Matching is ASCII
// case-insensitive. Open markers are deliberately loose ("<<<ANALYSIS" also
// covers "<<<ANALYSIS>>>") because the generator does not always reproduce the
// exact form it was asked for.
var (
	openMarkers = []string{
		"<<<ANALYSIS",
		"[ANALYSIS]",
		"<analysis>",
		"###ANALYSIS",
	}
	closeMarkers = []string{
		"<<<END_ANALYSIS",
		"[/ANALYSIS]",
		"</analysis>",
		"###END_ANALYSIS",
	}
)

// Canonical markers the prompt asks the generator to use.
const (
	OpenMarker  = "<<<ANALYSIS>>>"
	CloseMarker = "<<<END_ANALYSIS>>>"
)

// indexFold returns the index of the first ASCII case-insensitive occurrence
// of sub in s, or -1.
func indexFold(s, sub string) int {
	n := len(sub)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], sub) {
			return i
		}
	}
	return -1
}

// findMarker returns the earliest occurrence of any marker in s and the
// matched marker's length.
func findMarker(s string, markers []string) (int, int) {
	best, size := -1, 0
	for _, m := range markers {
		if i := indexFold(s, m); i >= 0 && (best < 0 || i < best) {
			best, size = i, len(m)
		}
	}
	return best, size
}

// heldPrefix returns the length of the longest suffix of s that is a proper
// prefix of some open marker. Those bytes may turn into a marker once the next
// token arrives and must not be emitted yet.
func heldPrefix(s string) int {
	longest := 0
	for _, m := range openMarkers {
		for k := min(len(m)-1, len(s)); k > longest; k-- {
			if strings.EqualFold(s[len(s)-k:], m[:k]) {
				longest = k
				break
			}
		}
	}
	return longest
}
