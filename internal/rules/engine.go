// Package rules evaluates incoming messages against forward rules:
// source lookup, filter chain, transform chain, target resolution.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tgrelay/internal/buffer"
	"tgrelay/internal/config"
	"tgrelay/internal/model"
	"tgrelay/internal/rewrite"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ListRulesBySource(ctx context.Context, sourceChatID int64) ([]model.ForwardRule, error)
	ListKeywords(ctx context.Context, ruleID int64) ([]model.Keyword, error)
	ListReplaceRules(ctx context.Context, ruleID int64) ([]model.ReplaceRule, error)
	GetChat(ctx context.Context, telegramID int64) (*model.Chat, error)
	AppendRuleLog(ctx context.Context, l *model.RuleLog) error
	BumpRuleCounters(ctx context.Context, ruleID int64, messages, errors int64) error
	AppendAudit(ctx context.Context, a *model.AuditLog) error
}

// Deduper answers whether equivalent content was forwarded recently.
type Deduper interface {
	KeysFor(msg *model.Message) []string
	Check(ctx context.Context, ruleID int64, keys []string) (string, bool, error)
}

// Rewriter rephrases text through an external model.
type Rewriter interface {
	Rewrite(ctx context.Context, cfg rewrite.Config, text string) (string, error)
}

// HandoffFunc receives a rendered delivery intent for buffering.
type HandoffFunc func(intent *model.DeliveryIntent, cfg buffer.Config)

// Outcome is the per-rule result of evaluating one logical message.
type Outcome struct {
	RuleID int64
	Action model.RuleAction
	Reason string
	Intent *model.DeliveryIntent
	Err    error
}

// Engine runs the filter and transform chains for every rule matching a
// message's source chat.
type Engine struct {
	store    Store
	dedup    Deduper
	rewriter Rewriter
	settings *config.Store
	handoff  HandoffFunc
	log      *slog.Logger
}

func NewEngine(store Store, dedup Deduper, rewriter Rewriter, settings *config.Store, handoff HandoffFunc, log *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		dedup:    dedup,
		rewriter: rewriter,
		settings: settings,
		handoff:  handoff,
		log:      log,
	}
}

// Process evaluates one logical message, possibly a multi-part album
// sorted by message id, against every enabled rule for its source chat.
// Forward outcomes are handed to the buffer before returning.
func (e *Engine) Process(ctx context.Context, msgs []model.Message) ([]Outcome, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	lead := &msgs[0]

	matched, err := e.store.ListRulesBySource(ctx, lead.ChatID)
	if err != nil {
		return nil, fmt.Errorf("rules for chat %d: %w", lead.ChatID, err)
	}

	outcomes := make([]Outcome, 0, len(matched))
	for i := range matched {
		rule := &matched[i]
		start := time.Now()
		out := e.evaluate(ctx, rule, msgs)
		e.record(ctx, rule, lead, out, time.Since(start))

		if out.Action == model.ActionForward && out.Intent != nil {
			e.handoff(out.Intent, e.bufferConfig(ctx, rule))
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (e *Engine) evaluate(ctx context.Context, rule *model.ForwardRule, msgs []model.Message) Outcome {
	lead := &msgs[0]

	for i := range msgs {
		if reason, ok := MediaVerdict(rule, &msgs[i]); !ok {
			return Outcome{RuleID: rule.ID, Action: model.ActionFiltered, Reason: reason}
		}
	}

	if rule.ForwardMode != model.ModePassthrough {
		keywords, err := e.store.ListKeywords(ctx, rule.ID)
		if err != nil {
			return Outcome{RuleID: rule.ID, Action: model.ActionError, Err: fmt.Errorf("keywords: %w", err)}
		}
		if reason, ok := matchKeywords(lead.BestText(), keywords); !ok {
			return Outcome{RuleID: rule.ID, Action: model.ActionFiltered, Reason: reason}
		}
	}

	var dedupKeys []string
	if rule.EnableDedup {
		for i := range msgs {
			dedupKeys = appendUnique(dedupKeys, e.dedup.KeysFor(&msgs[i])...)
		}
		if key, hit, err := e.dedup.Check(ctx, rule.ID, dedupKeys); err != nil {
			return Outcome{RuleID: rule.ID, Action: model.ActionError, Err: fmt.Errorf("dedup: %w", err)}
		} else if hit {
			return Outcome{RuleID: rule.ID, Action: model.ActionFiltered, Reason: ReasonDuplicate + ":" + key}
		}
	}

	text, err := e.transform(ctx, rule, lead)
	if err != nil {
		return Outcome{RuleID: rule.ID, Action: model.ActionError, Err: err}
	}

	intent := &model.DeliveryIntent{
		RuleID:         rule.ID,
		TargetChatID:   rule.TargetChatID,
		Agent:          rule.Agent,
		Mode:           rule.MessageMode,
		Text:           text,
		Messages:       msgs,
		DedupKeys:      dedupKeys,
		SourceChatID:   lead.ChatID,
		SourceMsgID:    lead.ID,
		PreserveSender: rule.PreserveSender,
		PreserveTime:   rule.PreserveTime,
		DeleteOriginal: rule.DeleteOriginal,
	}
	return Outcome{RuleID: rule.ID, Action: model.ActionForward, Intent: intent}
}

// transform runs the replace rules, the source header and the optional
// AI rewrite. Pure forwards skip the chain entirely.
func (e *Engine) transform(ctx context.Context, rule *model.ForwardRule, lead *model.Message) (string, error) {
	text := lead.BestText()
	if rule.PureForward {
		return text, nil
	}

	reps, err := e.store.ListReplaceRules(ctx, rule.ID)
	if err != nil {
		return "", fmt.Errorf("replace rules: %w", err)
	}
	text = applyReplacements(text, reps)

	if rule.InjectSource {
		chat, err := e.store.GetChat(ctx, lead.ChatID)
		if err != nil {
			return "", fmt.Errorf("source chat %d: %w", lead.ChatID, err)
		}
		text = injectSource(text, sourceHeader(rule.MessageMode, chat, lead.ID))
	}

	if rule.AIEnabled {
		cfg := rewrite.Config{
			BaseURL: e.settings.GetString(ctx, "rewrite.base_url", ""),
			APIKey:  e.settings.GetString(ctx, "rewrite.api_key", ""),
			Model:   rule.AIModel,
			Prompt:  rule.AIPrompt,
		}
		rewritten, err := e.rewriter.Rewrite(ctx, cfg, text)
		if err != nil {
			return "", fmt.Errorf("ai rewrite: %w", err)
		}
		text = rewritten
	}
	return text, nil
}

func (e *Engine) bufferConfig(ctx context.Context, rule *model.ForwardRule) buffer.Config {
	cfg := buffer.Config{
		Enabled:  rule.EnableBuffer,
		Debounce: time.Duration(e.settings.GetInt(ctx, "buffer.debounce_ms", 3500)) * time.Millisecond,
		MaxWait:  time.Duration(e.settings.GetInt(ctx, "buffer.max_wait_ms", 8000)) * time.Millisecond,
		MaxBatch: e.settings.GetInt(ctx, "buffer.max_batch", 10),
	}
	if rule.DelaySeconds > 0 {
		cfg.Debounce = time.Duration(rule.DelaySeconds) * time.Second
	}
	return cfg
}

// record persists the rule log row and bumps the rule's counters. Both
// are best-effort; a logging failure never changes the outcome.
func (e *Engine) record(ctx context.Context, rule *model.ForwardRule, lead *model.Message, out Outcome, elapsed time.Duration) {
	detail := out.Reason
	if out.Err != nil {
		detail = out.Err.Error()
	}
	msgType := "text"
	if lead.Media != model.MediaNone {
		msgType = string(lead.Media)
	}
	rl := &model.RuleLog{
		RuleID:      rule.ID,
		MessageID:   lead.ID,
		MessageType: msgType,
		Action:      out.Action,
		Detail:      detail,
		ElapsedMS:   elapsed.Milliseconds(),
	}
	if err := e.store.AppendRuleLog(ctx, rl); err != nil {
		e.log.Warn("append rule log", "rule_id", rule.ID, "error", err)
	}

	var messages, errors int64
	switch out.Action {
	case model.ActionForward:
		messages = 1
	case model.ActionError:
		errors = 1
	}
	if messages == 0 && errors == 0 {
		return
	}
	if err := e.store.BumpRuleCounters(ctx, rule.ID, messages, errors); err != nil {
		e.log.Warn("bump rule counters", "rule_id", rule.ID, "error", err)
	}

	if out.Action == model.ActionError {
		audit := &model.AuditLog{
			Actor:    "system",
			Action:   "rule_processing_failed",
			Resource: "forward_rule",
			ResID:    strconv.FormatInt(rule.ID, 10),
			Details:  detail,
			Status:   "error",
		}
		if err := e.store.AppendAudit(ctx, audit); err != nil {
			e.log.Warn("append audit log", "rule_id", rule.ID, "error", err)
		}
	}
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		seen := false
		for _, d := range dst {
			if d == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
