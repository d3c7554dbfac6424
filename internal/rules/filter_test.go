package rules

import (
	"testing"

	"tgrelay/internal/model"
)

func allowAll() *model.ForwardRule {
	return &model.ForwardRule{
		TextAllowed: true,
		MediaAllow: map[model.MediaKind]bool{
			model.MediaImage:    true,
			model.MediaVideo:    true,
			model.MediaAudio:    true,
			model.MediaVoice:    true,
			model.MediaDocument: true,
		},
	}
}

func TestMediaVerdict(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*model.ForwardRule)
		msg        model.Message
		wantReason string
	}{
		{
			name: "plain text passes",
			msg:  model.Message{Text: "hello"},
		},
		{
			name:       "text blocked when not allowed",
			mutate:     func(r *model.ForwardRule) { r.TextAllowed = false },
			msg:        model.Message{Text: "hello"},
			wantReason: ReasonTextNotAllowed,
		},
		{
			name:       "media type blocked",
			mutate:     func(r *model.ForwardRule) { r.MediaAllow[model.MediaImage] = false },
			msg:        model.Message{Media: model.MediaImage},
			wantReason: ReasonMediaTypeBlocked,
		},
		{
			name:       "oversize media",
			mutate:     func(r *model.ForwardRule) { r.MaxMediaBytes = 1024 },
			msg:        model.Message{Media: model.MediaDocument, MediaBytes: 2048},
			wantReason: ReasonMediaTooLarge,
		},
		{
			name: "size cap unset means unlimited",
			msg:  model.Message{Media: model.MediaDocument, MediaBytes: 1 << 30},
		},
		{
			name:       "video too short",
			mutate:     func(r *model.ForwardRule) { r.MinDuration = 10 },
			msg:        model.Message{Media: model.MediaVideo, Duration: 5},
			wantReason: ReasonDurationShort,
		},
		{
			name:       "voice too long",
			mutate:     func(r *model.ForwardRule) { r.MaxDuration = 60 },
			msg:        model.Message{Media: model.MediaVoice, Duration: 120},
			wantReason: ReasonDurationLong,
		},
		{
			name:   "duration bounds ignore documents",
			mutate: func(r *model.ForwardRule) { r.MaxDuration = 1 },
			msg:    model.Message{Media: model.MediaDocument, Duration: 999},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := allowAll()
			if tt.mutate != nil {
				tt.mutate(rule)
			}
			reason, ok := MediaVerdict(rule, &tt.msg)
			if ok != (tt.wantReason == "") {
				t.Fatalf("ok = %v, reason = %q", ok, reason)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestMatchKeywords(t *testing.T) {
	wl := func(pattern string) model.Keyword { return model.Keyword{Pattern: pattern} }
	bl := func(pattern string) model.Keyword { return model.Keyword{Pattern: pattern, IsBlacklist: true} }

	tests := []struct {
		name       string
		text       string
		keywords   []model.Keyword
		wantReason string
	}{
		{
			name: "no keywords passes everything",
			text: "anything at all",
		},
		{
			name:     "whitelist OR logic: one match suffices",
			text:     "kubernetes 1.32 released",
			keywords: []model.Keyword{wl("docker"), wl("kubernetes")},
		},
		{
			name:       "whitelist with no match rejects",
			text:       "python update",
			keywords:   []model.Keyword{wl("kubernetes")},
			wantReason: ReasonKeywordWhitelist,
		},
		{
			name:       "blacklist match rejects even with whitelist hit",
			text:       "kubernetes vacancy",
			keywords:   []model.Keyword{wl("kubernetes"), bl("vacancy")},
			wantReason: ReasonKeywordBlacklist,
		},
		{
			name:     "blacklist only, no match passes",
			text:     "kubernetes update",
			keywords: []model.Keyword{bl("vacancy")},
		},
		{
			name:     "literal match is case insensitive by default",
			text:     "KUBERNETES release",
			keywords: []model.Keyword{wl("kubernetes")},
		},
		{
			name:       "case sensitive literal",
			text:       "KUBERNETES release",
			keywords:   []model.Keyword{{Pattern: "kubernetes", CaseSensitive: true}},
			wantReason: ReasonKeywordWhitelist,
		},
		{
			name:     "regex whitelist",
			text:     "release v1.32.1",
			keywords: []model.Keyword{{Pattern: `v\d+\.\d+`, IsRegex: true}},
		},
		{
			name:       "invalid regex never matches",
			text:       "anything",
			keywords:   []model.Keyword{{Pattern: `([`, IsRegex: true}},
			wantReason: ReasonKeywordWhitelist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := matchKeywords(tt.text, tt.keywords)
			if ok != (tt.wantReason == "") {
				t.Fatalf("ok = %v, reason = %q", ok, reason)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestApplyReplacements(t *testing.T) {
	reps := []model.ReplaceRule{
		{Pattern: "breaking:", Replacement: ""},
		{Pattern: `\s+`, IsRegex: true, Replacement: " "},
	}
	got := applyReplacements("breaking:  big   news", reps)
	if got != " big news" {
		t.Errorf("got %q", got)
	}
}

func TestInjectSourceIsIdempotent(t *testing.T) {
	chat := &model.Chat{Title: "News", Username: "newschan"}
	header := sourceHeader(model.RenderPlain, chat, 42)

	once := injectSource("body", header)
	twice := injectSource(once, header)
	if once != twice {
		t.Errorf("not idempotent: %q vs %q", once, twice)
	}
	if twice != "from News (https://t.me/newschan/42)\n\nbody" {
		t.Errorf("got %q", twice)
	}
}

func TestSourceHeaderModes(t *testing.T) {
	chat := &model.Chat{Title: "A <b> Chat", Username: "abc"}
	if got := sourceHeader(model.RenderMarkdown, chat, 7); got != "from [A <b> Chat](https://t.me/abc/7)" {
		t.Errorf("markdown = %q", got)
	}
	if got := sourceHeader(model.RenderHTML, chat, 7); got != `from <a href="https://t.me/abc/7">A &lt;b&gt; Chat</a>` {
		t.Errorf("html = %q", got)
	}
	if got := sourceHeader(model.RenderPlain, &model.Chat{Title: "Private"}, 7); got != "from Private" {
		t.Errorf("no username = %q", got)
	}
}
