// Package model defines the domain types used across the relay.
package model

import "time"

// ForwardMode controls how a rule's keywords are interpreted.
type ForwardMode string

// Supported forward modes.
const (
	ModeWhitelist   ForwardMode = "whitelist"
	ModeBlacklist   ForwardMode = "blacklist"
	ModePassthrough ForwardMode = "passthrough"
)

// MessageMode controls the render format of delivered text.
type MessageMode string

// Supported message modes.
const (
	RenderMarkdown MessageMode = "markdown"
	RenderHTML     MessageMode = "html"
	RenderPlain    MessageMode = "plain"
)

// Agent selects which Telegram identity performs the delivery.
type Agent string

// Delivery agents.
const (
	AgentUser Agent = "user"
	AgentBot  Agent = "bot"
)

// MediaKind classifies message media for filtering.
type MediaKind string

// Media kinds the media filter understands.
const (
	MediaNone     MediaKind = ""
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
)

// ForwardRule routes messages from one source chat to one target chat.
type ForwardRule struct {
	ID             int64
	SourceChatID   int64
	TargetChatID   int64
	Enabled        bool
	EnableDedup    bool
	ForwardMode    ForwardMode
	MessageMode    MessageMode
	Agent          Agent
	PreserveSender bool
	PreserveTime   bool
	InjectSource   bool
	DeleteOriginal bool
	PureForward    bool
	EnableBuffer   bool
	DelaySeconds   int
	TextAllowed    bool
	MediaAllow     map[MediaKind]bool
	MaxMediaBytes  int64
	MinDuration    int
	MaxDuration    int
	AIEnabled      bool
	AIModel        string
	AIPrompt       string
	Priority       int
	Description    string
	MessageCount   int64
	ErrorCount     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Keyword is a single filter pattern owned by a rule.
type Keyword struct {
	ID            int64
	RuleID        int64
	Pattern       string
	IsRegex       bool
	IsBlacklist   bool
	CaseSensitive bool
	CreatedAt     time.Time
}

// ReplaceRule is an ordered find-and-replace transform owned by a rule.
// Order within a rule equals insertion order and is significant.
type ReplaceRule struct {
	ID          int64
	RuleID      int64
	Pattern     string
	IsRegex     bool
	Replacement string
	CreatedAt   time.Time
}

// ChatType distinguishes Telegram peer kinds.
type ChatType string

// Supported chat types.
const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Chat is a Telegram peer referenced by rules as source or target.
type Chat struct {
	ID          int64
	TelegramID  int64
	AccessHash  int64
	Title       string
	Username    string
	Type        ChatType
	IsActive    bool
	MemberCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

// Task states. Legal transitions are pending→running, running→pending,
// running→completed, running→failed and failed→pending; the repository
// rejects everything else.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one durable unit of work in the queue.
type Task struct {
	ID          int64
	Type        string
	Payload     []byte
	DedupKey    string
	GroupID     int64
	Priority    int
	Attempts    int
	Status      TaskStatus
	ScheduledAt time.Time
	NextRetryAt time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	LockedUntil *time.Time
	CompletedAt *time.Time
	LastError   string

	// Peers carries album members leased in the same fetch batch so the
	// group reaches the handler as one unit. Never persisted.
	Peers []Task
}

// RuleAction is the per-message outcome of rule evaluation.
type RuleAction string

// Rule outcomes.
const (
	ActionForward  RuleAction = "forward"
	ActionFiltered RuleAction = "filtered"
	ActionError    RuleAction = "error"
)

// RuleLog records one rule evaluation outcome.
type RuleLog struct {
	ID          int64
	RuleID      int64
	MessageID   int64
	MessageType string
	Action      RuleAction
	Detail      string
	ElapsedMS   int64
	CreatedAt   time.Time
}

// ErrorLog is a persisted structured error record.
type ErrorLog struct {
	ID        int64
	Level     string
	Module    string
	Function  string
	Message   string
	Traceback string
	Context   string
	RuleID    *int64
	ChatID    *int64
	CreatedAt time.Time
}

// MediaSignature is a dedup record: a content hash or a perceptual
// signature, pointing at the file it was computed from.
type MediaSignature struct {
	RuleID    int64
	Signature string
	FileRef   string
	CreatedAt time.Time
}

// AuditLog records a user-visible operation.
type AuditLog struct {
	ID        int64
	Actor     string
	Action    string
	Resource  string
	ResID     string
	SourceIP  string
	UserAgent string
	Details   string
	Status    string
	CreatedAt time.Time
}

// ConfigEntry is a typed key/value row in the durable configuration store.
type ConfigEntry struct {
	Key       string
	Value     string
	Type      string
	Encrypted bool
	UpdatedAt time.Time
}

// Message is the narrow adapter the ingestion layer populates from client
// updates. It is the only message shape the core sees.
type Message struct {
	ChatID       int64
	ID           int64
	GroupedID    int64
	Text         string
	Caption      string
	Media        MediaKind
	MediaBytes   int64
	Duration     int
	MimeType     string
	FileID       string
	FileUniqueID string
	PhotoData    []byte
	Date         time.Time
	EditDate     time.Time
	SenderID     int64
	SenderName   string
}

// BestText returns the message text, falling back to the media caption.
func (m *Message) BestText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// DeliveryIntent is a rendered message ready for a delivery agent.
type DeliveryIntent struct {
	RuleID         int64
	TargetChatID   int64
	Agent          Agent
	Mode           MessageMode
	Text           string
	Messages       []Message
	DedupKeys      []string
	SourceChatID   int64
	SourceMsgID    int64
	PreserveSender bool
	PreserveTime   bool
	DeleteOriginal bool
}
