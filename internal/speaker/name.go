package speaker

import "regexp"

// nameToken matches one word in any script, unlike RE2's ASCII-only \w.
const nameToken = `[\p{L}\p{N}_]+`

// introductionPatterns are tried in order; the first one matching anywhere in
// the text wins. Each captures a single word, so "my name is Mary Ann" yields
// "Mary".
var introductionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)my name is (` + nameToken + `)`),
	regexp.MustCompile(`(?i)i am (` + nameToken + `)`),
	regexp.MustCompile(`(?i)i'm (` + nameToken + `)`),
	regexp.MustCompile(`(?i)this is (` + nameToken + `)`),
	regexp.MustCompile(`(?i)hi i'm (` + nameToken + `)`),
	regexp.MustCompile(`(?i)hello i'm (` + nameToken + `)`),
	regexp.MustCompile(`(?i)hi i am (` + nameToken + `)`),
	regexp.MustCompile(`(?i)hello i am (` + nameToken + `)`),
}

// ExtractName scans an utterance for a self-introduction and returns the
// introduced name with its original casing.
func ExtractName(text string) (string, bool) {
	for _, pattern := range introductionPatterns {
		if match := pattern.FindStringSubmatch(text); match != nil {
			return match[1], true
		}
	}
	return "", false
}
