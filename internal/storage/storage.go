// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"tgrelay/internal/model"
)

// Sentinel errors returned at the repository boundary.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when a task status change is not
	// one of the legal state-machine transitions.
	ErrInvalidTransition = errors.New("storage: invalid task transition")
)

// QueueStatus is a snapshot of queue depth and throughput.
type QueueStatus struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	// AvgCompletionSeconds is the mean push-to-complete delay over the
	// last 100 completed tasks.
	AvgCompletionSeconds float64
}

// Total returns the number of live (pending + running) tasks.
func (q QueueStatus) Total() int { return q.Pending + q.Running }

// Storage is the interface for all persistence operations.
type Storage interface {
	// Forward rules and their owned entities.
	CreateRule(ctx context.Context, r *model.ForwardRule) error
	GetRule(ctx context.Context, id int64) (*model.ForwardRule, error)
	ListRules(ctx context.Context) ([]model.ForwardRule, error)
	ListRulesBySource(ctx context.Context, sourceChatID int64) ([]model.ForwardRule, error)
	UpdateRule(ctx context.Context, r *model.ForwardRule) error
	DeleteRule(ctx context.Context, id int64) error
	BumpRuleCounters(ctx context.Context, ruleID int64, messages, errors int64) error

	AddKeyword(ctx context.Context, k *model.Keyword) error
	ListKeywords(ctx context.Context, ruleID int64) ([]model.Keyword, error)
	DeleteKeyword(ctx context.Context, id int64) error

	AddReplaceRule(ctx context.Context, r *model.ReplaceRule) error
	ListReplaceRules(ctx context.Context, ruleID int64) ([]model.ReplaceRule, error)
	DeleteReplaceRule(ctx context.Context, id int64) error

	UpsertChat(ctx context.Context, c *model.Chat) error
	GetChat(ctx context.Context, telegramID int64) (*model.Chat, error)
	ListChats(ctx context.Context) ([]model.Chat, error)

	// Task queue.
	Push(ctx context.Context, t *model.Task) (bool, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	PushBatch(ctx context.Context, ts []*model.Task) (int, error)
	FetchNext(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error)
	FetchGroupTasks(ctx context.Context, groupID, excludeID int64, lease time.Duration) ([]model.Task, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	FailOrRetry(ctx context.Context, id int64, errMsg string, maxRetries int, retryIn time.Duration) (bool, error)
	Requeue(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, at time.Time) error
	RescueStuck(ctx context.Context, timeout time.Duration) (int, error)
	QueueStatus(ctx context.Context) (*QueueStatus, error)

	// Outcome and error records.
	AppendRuleLog(ctx context.Context, l *model.RuleLog) error
	AppendErrorLog(ctx context.Context, l *model.ErrorLog) error
	AppendAudit(ctx context.Context, a *model.AuditLog) error

	// Dedup signatures.
	FindSignature(ctx context.Context, ruleID int64, sigs []string) (string, bool, error)
	SaveSignatures(ctx context.Context, ruleID int64, sigs []string, fileRef string) error
	DeleteSignatures(ctx context.Context, ruleID int64, sigs []string) error
	PurgeSignatures(ctx context.Context, olderThan time.Time) (int, error)

	// Durable configuration.
	GetConfigEntry(ctx context.Context, key string) (*model.ConfigEntry, error)
	SetConfigEntry(ctx context.Context, e *model.ConfigEntry) error

	Close() error
}
