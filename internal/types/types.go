// Package types holds the value types shared between the store, the broker
// and the workers: publishes, items, tasks, queue messages and consumers.
//
// The concrete persistence lives in internal/store/postgres. This package
// holds only data and the validation rules that must hold everywhere.
package types

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublishState is the lifecycle state of a Publish.
type PublishState string

const (
	PublishPending    PublishState = "PENDING"
	PublishCommitting PublishState = "COMMITTING"
	PublishCommitted  PublishState = "COMMITTED"
	PublishFailed     PublishState = "FAILED"
)

// Terminal reports whether the state can no longer change.
func (s PublishState) Terminal() bool {
	return s == PublishCommitted || s == PublishFailed
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskNotStarted TaskState = "NOT_STARTED"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskComplete   TaskState = "COMPLETE"
	TaskFailed     TaskState = "FAILED"
)

// Terminal reports whether the state can no longer change.
func (s TaskState) Terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// CommitMode selects how much of a publish a commit attempt writes.
type CommitMode string

const (
	// CommitPhase1 writes regular items only and leaves the publish in
	// COMMITTING for a later phase2 attempt.
	CommitPhase1 CommitMode = "phase1"
	// CommitPhase2 runs the full protocol including entry points.
	CommitPhase2 CommitMode = "phase2"
)

// ParseCommitMode validates a commit_mode query value. An empty string
// selects phase2.
func ParseCommitMode(s string) (CommitMode, error) {
	switch s {
	case "", string(CommitPhase2):
		return CommitPhase2, nil
	case string(CommitPhase1):
		return CommitPhase1, nil
	}
	return "", fmt.Errorf("invalid commit_mode %q", s)
}

// Publish is a staged set of content updates applied atomically at commit.
type Publish struct {
	ID      uuid.UUID    `db:"id" json:"id"`
	Env     string       `db:"env" json:"env"`
	State   PublishState `db:"state" json:"state"`
	Updated time.Time    `db:"updated" json:"updated"`
}

// ObjectKeyAbsent is the object_key token marking a tombstone: the item
// publishes a "not present" marker at its URI.
const ObjectKeyAbsent = "absent"

var objectKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Item is one (web_uri -> content) mapping within a publish. It is either
// a blob reference (object_key is a SHA-256), a link to another item in
// the same publish (link_to), or a tombstone (object_key "absent").
type Item struct {
	ID          uuid.UUID `db:"id" json:"-"`
	PublishID   uuid.UUID `db:"publish_id" json:"-"`
	WebURI      string    `db:"web_uri" json:"web_uri"`
	ObjectKey   string    `db:"object_key" json:"object_key,omitempty"`
	ContentType string    `db:"content_type" json:"content_type,omitempty"`
	LinkTo      string    `db:"link_to" json:"link_to,omitempty"`
	Updated     time.Time `db:"updated" json:"-"`
}

// Tombstone reports whether the item publishes an "absent" marker.
func (it *Item) Tombstone() bool {
	return it.ObjectKey == ObjectKeyAbsent
}

// NormalizeURI cleans a web URI into an absolute path under the CDN root.
// A missing leading "/" is tolerated. Returns an error for empty or
// non-path input.
func NormalizeURI(uri string) (string, error) {
	if strings.TrimSpace(uri) == "" {
		return "", fmt.Errorf("URI is empty")
	}
	if strings.Contains(uri, "://") {
		return "", fmt.Errorf("URI %q must be a path, not a URL", uri)
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	cleaned := path.Clean(uri)
	if cleaned == "/" || cleaned == "." {
		return "", fmt.Errorf("URI %q does not name content", uri)
	}
	return cleaned, nil
}

// Validate normalizes the item in place and checks the invariants that
// must hold for every stored item:
//
//   - web_uri is a normalizable absolute path
//   - object_key matches [0-9a-f]{64} or is the "absent" token
//   - link_to and a non-tombstone object_key are mutually exclusive
//   - content_type is forbidden for links and tombstones
func (it *Item) Validate() error {
	uri, err := NormalizeURI(it.WebURI)
	if err != nil {
		return err
	}
	it.WebURI = uri

	if it.LinkTo != "" {
		target, err := NormalizeURI(it.LinkTo)
		if err != nil {
			return fmt.Errorf("link_to: %w", err)
		}
		it.LinkTo = target
		if it.ObjectKey != "" {
			return fmt.Errorf("item %s: link_to and object_key are mutually exclusive", it.WebURI)
		}
	} else if it.ObjectKey != ObjectKeyAbsent && !objectKeyPattern.MatchString(it.ObjectKey) {
		return fmt.Errorf("item %s: object_key must be a lowercase hex SHA-256 or %q", it.WebURI, ObjectKeyAbsent)
	}

	if it.ContentType != "" {
		if it.LinkTo != "" || it.Tombstone() {
			return fmt.Errorf("item %s: content_type is not allowed for links or tombstones", it.WebURI)
		}
		if !strings.Contains(it.ContentType, "/") {
			return fmt.Errorf("item %s: invalid content_type %q", it.WebURI, it.ContentType)
		}
	}
	return nil
}

// Task is a unit of background work keyed by its broker message id.
type Task struct {
	ID       uuid.UUID  `db:"id" json:"id"`
	State    TaskState  `db:"state" json:"state"`
	Updated  time.Time  `db:"updated" json:"updated"`
	Deadline *time.Time `db:"deadline" json:"deadline,omitempty"`
}

// CommitTask is the task variant driving a publish commit.
type CommitTask struct {
	Task
	PublishID  uuid.UUID  `db:"publish_id" json:"publish_id"`
	CommitMode CommitMode `db:"commit_mode" json:"commit_mode"`
}

// PublishedPath records that a path was ever committed to the external
// table for an environment. Consulted by the deploy-config worker to
// decide which paths need cache invalidation.
type PublishedPath struct {
	ID      int64     `db:"id"`
	Env     string    `db:"env"`
	WebURI  string    `db:"web_uri"`
	Updated time.Time `db:"updated"`
}

// MessageOptions travel inside the message body and control delivery.
type MessageOptions struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Retries       int    `json:"retries,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
	MaxBackoffMS  int64  `json:"max_backoff_ms,omitempty"`
	TimeLimitMS   int64  `json:"time_limit_ms,omitempty"`
}

// MessageBody is the structured payload of a queue message.
type MessageBody struct {
	Args       json.RawMessage `json:"args"`
	Options    MessageOptions  `json:"options"`
	EnqueuedAt int64           `json:"enqueued_at"` // epoch milliseconds
	ETAMS      int64           `json:"eta,omitempty"`
}

// Message is one durable queue entry. Enqueueing a message with an
// existing id replaces its body and clears the consumer claim; this is
// how retries work.
type Message struct {
	ID         uuid.UUID  `db:"id"`
	Queue      string     `db:"queue"`
	Actor      string     `db:"actor"`
	ConsumerID *string    `db:"consumer_id"`
	Body       []byte     `db:"body"`
	EnqueuedAt time.Time  `db:"enqueued_at"`
	ETA        *time.Time `db:"eta"`
}

// DecodeBody unmarshals the message body.
func (m *Message) DecodeBody() (*MessageBody, error) {
	var body MessageBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return nil, fmt.Errorf("message %s: decode body: %w", m.ID, err)
	}
	return &body, nil
}

// Consumer is the liveness row for one queue consumer. A consumer is
// alive while last_alive is newer than now minus the keepalive timeout.
type Consumer struct {
	ID        string    `db:"id"`
	LastAlive time.Time `db:"last_alive"`
}
