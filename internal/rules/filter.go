package rules

import (
	"regexp"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"tgrelay/internal/model"
)

// Compiled patterns are reused across evaluations; rules change rarely
// and patterns repeat on every message.
var regexCache = xsync.NewMap[string, *regexp.Regexp]()

func compileCached(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Filter reasons recorded in rule logs.
const (
	ReasonTextNotAllowed   = "text_not_allowed"
	ReasonMediaTypeBlocked = "media_type_blocked"
	ReasonMediaTooLarge    = "media_too_large"
	ReasonDurationShort    = "duration_too_short"
	ReasonDurationLong     = "duration_too_long"
	ReasonKeywordBlacklist = "keyword_blacklist"
	ReasonKeywordWhitelist = "keyword_whitelist"
	ReasonDuplicate        = "duplicate"
)

// MediaVerdict checks one message against a rule's media constraints.
// An empty reason means the message passes.
func MediaVerdict(r *model.ForwardRule, m *model.Message) (string, bool) {
	if m.Media == model.MediaNone {
		if !r.TextAllowed {
			return ReasonTextNotAllowed, false
		}
		return "", true
	}
	if !r.MediaAllow[m.Media] {
		return ReasonMediaTypeBlocked, false
	}
	if r.MaxMediaBytes > 0 && m.MediaBytes > r.MaxMediaBytes {
		return ReasonMediaTooLarge, false
	}
	switch m.Media {
	case model.MediaVideo, model.MediaAudio, model.MediaVoice:
		if r.MinDuration > 0 && m.Duration < r.MinDuration {
			return ReasonDurationShort, false
		}
		if r.MaxDuration > 0 && m.Duration > r.MaxDuration {
			return ReasonDurationLong, false
		}
	}
	return "", true
}

// matchKeywords evaluates a rule's keyword set against the message text.
// Whitelist keywords use OR logic (at least one must match, if any
// exist). Blacklist keywords use NONE logic (a single match rejects).
func matchKeywords(text string, keywords []model.Keyword) (string, bool) {
	hasWhitelist := false
	anyWhitelist := false

	for _, k := range keywords {
		if k.IsBlacklist {
			if keywordMatches(k, text) {
				return ReasonKeywordBlacklist, false
			}
			continue
		}
		hasWhitelist = true
		if keywordMatches(k, text) {
			anyWhitelist = true
		}
	}

	if hasWhitelist && !anyWhitelist {
		return ReasonKeywordWhitelist, false
	}
	return "", true
}

func keywordMatches(k model.Keyword, text string) bool {
	if k.IsRegex {
		pattern := k.Pattern
		if !k.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := compileCached(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	if k.CaseSensitive {
		return strings.Contains(text, k.Pattern)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(k.Pattern))
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile(pattern)
	return err
}
