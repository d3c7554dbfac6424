package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tgrelay/internal/model"
)

const ruleColumns = `id, source_chat_id, target_chat_id, enabled, enable_dedup, forward_mode,
	message_mode, agent, preserve_sender, preserve_time, inject_source, delete_original,
	pure_forward, enable_buffer, delay_seconds, text_allowed, media_allow, max_media_bytes,
	min_duration, max_duration, ai_enabled, ai_model, ai_prompt, priority, description,
	message_count, error_count, created_at, updated_at`

// CreateRule inserts a forward rule and populates its ID and timestamps.
func (s *SQLite) CreateRule(ctx context.Context, r *model.ForwardRule) error {
	ts := now()
	allow, err := json.Marshal(r.MediaAllow)
	if err != nil {
		return fmt.Errorf("marshal media allow: %w", err)
	}
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO forward_rules
		   (source_chat_id, target_chat_id, enabled, enable_dedup, forward_mode, message_mode,
		    agent, preserve_sender, preserve_time, inject_source, delete_original, pure_forward,
		    enable_buffer, delay_seconds, text_allowed, media_allow, max_media_bytes,
		    min_duration, max_duration, ai_enabled, ai_model, ai_prompt, priority, description,
		    created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SourceChatID, r.TargetChatID, boolToInt(r.Enabled), boolToInt(r.EnableDedup),
		string(r.ForwardMode), string(r.MessageMode), string(r.Agent),
		boolToInt(r.PreserveSender), boolToInt(r.PreserveTime), boolToInt(r.InjectSource),
		boolToInt(r.DeleteOriginal), boolToInt(r.PureForward), boolToInt(r.EnableBuffer),
		r.DelaySeconds, boolToInt(r.TextAllowed), string(allow), r.MaxMediaBytes,
		r.MinDuration, r.MaxDuration, boolToInt(r.AIEnabled), r.AIModel, r.AIPrompt,
		r.Priority, r.Description, fmtTime(ts), fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = ts
	r.UpdatedAt = ts
	return nil
}

// GetRule returns a single rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.ForwardRule, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM forward_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRules returns every rule ordered by priority then id.
func (s *SQLite) ListRules(ctx context.Context) ([]model.ForwardRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM forward_rules ORDER BY priority DESC, id`)
}

// ListRulesBySource returns the enabled rules whose source chat matches.
func (s *SQLite) ListRulesBySource(ctx context.Context, sourceChatID int64) ([]model.ForwardRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM forward_rules
		 WHERE source_chat_id = ? AND enabled = 1
		 ORDER BY priority DESC, id`, sourceChatID)
}

// UpdateRule persists changes to an existing rule.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.ForwardRule) error {
	allow, err := json.Marshal(r.MediaAllow)
	if err != nil {
		return fmt.Errorf("marshal media allow: %w", err)
	}
	r.UpdatedAt = now()
	_, err = s.writer.ExecContext(ctx,
		`UPDATE forward_rules SET
		   source_chat_id = ?, target_chat_id = ?, enabled = ?, enable_dedup = ?,
		   forward_mode = ?, message_mode = ?, agent = ?, preserve_sender = ?,
		   preserve_time = ?, inject_source = ?, delete_original = ?, pure_forward = ?,
		   enable_buffer = ?, delay_seconds = ?, text_allowed = ?, media_allow = ?,
		   max_media_bytes = ?, min_duration = ?, max_duration = ?, ai_enabled = ?,
		   ai_model = ?, ai_prompt = ?, priority = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		r.SourceChatID, r.TargetChatID, boolToInt(r.Enabled), boolToInt(r.EnableDedup),
		string(r.ForwardMode), string(r.MessageMode), string(r.Agent),
		boolToInt(r.PreserveSender), boolToInt(r.PreserveTime), boolToInt(r.InjectSource),
		boolToInt(r.DeleteOriginal), boolToInt(r.PureForward), boolToInt(r.EnableBuffer),
		r.DelaySeconds, boolToInt(r.TextAllowed), string(allow), r.MaxMediaBytes,
		r.MinDuration, r.MaxDuration, boolToInt(r.AIEnabled), r.AIModel, r.AIPrompt,
		r.Priority, r.Description, fmtTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule together with its keywords and replace rules.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM keywords WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete keywords: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM replace_rules WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete replace rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM media_signatures WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete signatures: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM forward_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return tx.Commit()
}

// BumpRuleCounters adds to a rule's aggregate message and error counters.
func (s *SQLite) BumpRuleCounters(ctx context.Context, ruleID int64, messages, errors int64) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE forward_rules SET message_count = message_count + ?, error_count = error_count + ?
		 WHERE id = ?`, messages, errors, ruleID)
	if err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	return nil
}

// AddKeyword inserts a keyword and populates its ID.
func (s *SQLite) AddKeyword(ctx context.Context, k *model.Keyword) error {
	ts := now()
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO keywords (rule_id, pattern, is_regex, is_blacklist, case_sensitive, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.RuleID, k.Pattern, boolToInt(k.IsRegex), boolToInt(k.IsBlacklist),
		boolToInt(k.CaseSensitive), fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert keyword: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	k.ID = id
	k.CreatedAt = ts
	return nil
}

// ListKeywords returns a rule's keywords in insertion order.
func (s *SQLite) ListKeywords(ctx context.Context, ruleID int64) ([]model.Keyword, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, rule_id, pattern, is_regex, is_blacklist, case_sensitive, created_at
		 FROM keywords WHERE rule_id = ? ORDER BY id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keywords []model.Keyword
	for rows.Next() {
		var k model.Keyword
		var isRegex, isBlacklist, caseSensitive int
		var created string
		if err := rows.Scan(&k.ID, &k.RuleID, &k.Pattern, &isRegex, &isBlacklist, &caseSensitive, &created); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		k.IsRegex = isRegex == 1
		k.IsBlacklist = isBlacklist == 1
		k.CaseSensitive = caseSensitive == 1
		k.CreatedAt = parseTime(created)
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// DeleteKeyword removes a keyword by its ID.
func (s *SQLite) DeleteKeyword(ctx context.Context, id int64) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM keywords WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete keyword: %w", err)
	}
	return nil
}

// AddReplaceRule inserts a replace rule and populates its ID.
func (s *SQLite) AddReplaceRule(ctx context.Context, r *model.ReplaceRule) error {
	ts := now()
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO replace_rules (rule_id, pattern, is_regex, replacement, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.RuleID, r.Pattern, boolToInt(r.IsRegex), r.Replacement, fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert replace rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = ts
	return nil
}

// ListReplaceRules returns a rule's replace rules in insertion order.
func (s *SQLite) ListReplaceRules(ctx context.Context, ruleID int64) ([]model.ReplaceRule, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, rule_id, pattern, is_regex, replacement, created_at
		 FROM replace_rules WHERE rule_id = ? ORDER BY id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query replace rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.ReplaceRule
	for rows.Next() {
		var r model.ReplaceRule
		var isRegex int
		var created string
		if err := rows.Scan(&r.ID, &r.RuleID, &r.Pattern, &isRegex, &r.Replacement, &created); err != nil {
			return nil, fmt.Errorf("scan replace rule: %w", err)
		}
		r.IsRegex = isRegex == 1
		r.CreatedAt = parseTime(created)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// DeleteReplaceRule removes a replace rule by its ID.
func (s *SQLite) DeleteReplaceRule(ctx context.Context, id int64) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM replace_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete replace rule: %w", err)
	}
	return nil
}

// UpsertChat inserts or refreshes a chat keyed by its Telegram id.
func (s *SQLite) UpsertChat(ctx context.Context, c *model.Chat) error {
	ts := now()
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO chats (telegram_id, access_hash, title, username, type, is_active, member_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (telegram_id) DO UPDATE SET
		   access_hash = excluded.access_hash, title = excluded.title,
		   username = excluded.username, type = excluded.type,
		   is_active = excluded.is_active, member_count = excluded.member_count,
		   updated_at = excluded.updated_at`,
		c.TelegramID, c.AccessHash, c.Title, c.Username, string(c.Type),
		boolToInt(c.IsActive), c.MemberCount, fmtTime(ts), fmtTime(ts),
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// GetChat returns a chat by its Telegram id.
func (s *SQLite) GetChat(ctx context.Context, telegramID int64) (*model.Chat, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT id, telegram_id, access_hash, title, username, type, is_active, member_count, created_at, updated_at
		 FROM chats WHERE telegram_id = ?`, telegramID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// ListChats returns all known chats.
func (s *SQLite) ListChats(ctx context.Context) ([]model.Chat, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, telegram_id, access_hash, title, username, type, is_active, member_count, created_at, updated_at
		 FROM chats ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func scanChat(row scannable) (*model.Chat, error) {
	var c model.Chat
	var chatType, created, updated string
	var isActive int
	err := row.Scan(&c.ID, &c.TelegramID, &c.AccessHash, &c.Title, &c.Username,
		&chatType, &isActive, &c.MemberCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Type = model.ChatType(chatType)
	c.IsActive = isActive == 1
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *SQLite) queryRules(ctx context.Context, query string, args ...any) ([]model.ForwardRule, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.ForwardRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func scanRule(row scannable) (*model.ForwardRule, error) {
	var r model.ForwardRule
	var enabled, dedup, preserveSender, preserveTime, injectSource int
	var deleteOriginal, pureForward, enableBuffer, textAllowed, aiEnabled int
	var mode, msgMode, agent, allow, created, updated string
	err := row.Scan(&r.ID, &r.SourceChatID, &r.TargetChatID, &enabled, &dedup, &mode,
		&msgMode, &agent, &preserveSender, &preserveTime, &injectSource, &deleteOriginal,
		&pureForward, &enableBuffer, &r.DelaySeconds, &textAllowed, &allow, &r.MaxMediaBytes,
		&r.MinDuration, &r.MaxDuration, &aiEnabled, &r.AIModel, &r.AIPrompt, &r.Priority,
		&r.Description, &r.MessageCount, &r.ErrorCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled == 1
	r.EnableDedup = dedup == 1
	r.ForwardMode = model.ForwardMode(mode)
	r.MessageMode = model.MessageMode(msgMode)
	r.Agent = model.Agent(agent)
	r.PreserveSender = preserveSender == 1
	r.PreserveTime = preserveTime == 1
	r.InjectSource = injectSource == 1
	r.DeleteOriginal = deleteOriginal == 1
	r.PureForward = pureForward == 1
	r.EnableBuffer = enableBuffer == 1
	r.TextAllowed = textAllowed == 1
	r.AIEnabled = aiEnabled == 1
	if err := json.Unmarshal([]byte(allow), &r.MediaAllow); err != nil {
		r.MediaAllow = map[model.MediaKind]bool{}
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}
