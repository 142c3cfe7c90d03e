package vault

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority orders tasks in the assignment queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the numeric rank of the priority, higher is more urgent.
// Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Duration wraps time.Duration with human-readable YAML encoding ("30m").
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Accepts "30m" style strings
// and bare integers interpreted as nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Task is the parsed metadata block of a task document plus its body.
// The claim fields (ClaimedAt, ClaimedBy) are only present while the task
// is owned; an available task must not carry them.
type Task struct {
	ID            string     `yaml:"id"`
	Priority      Priority   `yaml:"priority,omitempty"`
	Type          string     `yaml:"type,omitempty"`
	Capabilities  []string   `yaml:"capabilities,omitempty"`
	CreatedAt     time.Time  `yaml:"created_at"`
	ClaimedAt     *time.Time `yaml:"claimed_at,omitempty"`
	ClaimedBy     string     `yaml:"claimed_by,omitempty"`
	CompletedAt   *time.Time `yaml:"completed_at,omitempty"`
	ReclaimCount  int        `yaml:"reclaim_count"`
	Timeout       Duration   `yaml:"timeout,omitempty"`
	ReclaimReason string     `yaml:"reclaim_reason,omitempty"`

	// Body is the free-form document content after the metadata block.
	// Preserved byte-for-byte across claim and release rewrites.
	Body string `yaml:"-"`
}

// Filename returns the document file name for the task.
func (t *Task) Filename() string {
	return t.ID + ".md"
}

// Claimed reports whether the task carries claim metadata.
func (t *Task) Claimed() bool {
	return t.ClaimedBy != "" || t.ClaimedAt != nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Capabilities != nil {
		c.Capabilities = append([]string(nil), t.Capabilities...)
	}
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// ClearClaim strips claim metadata, restoring the shape of an available
// task document.
func (t *Task) ClearClaim() {
	t.ClaimedAt = nil
	t.ClaimedBy = ""
}

const frontmatterDelim = "---"

// ParseError describes why a document failed to parse or validate.
type ParseError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return "malformed task document: " + strings.Join(e.Problems, "; ")
}

// ParseDocument decodes a task document. A missing priority defaults to
// medium and a zero created_at is left zero for the caller to stamp. The
// returned error is a *ParseError for structural problems so callers can
// route the document to the malformed folder with the reasons attached.
func ParseDocument(raw []byte) (*Task, error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, &ParseError{Problems: []string{"missing frontmatter block"}}
	}
	rest := text[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, &ParseError{Problems: []string{"unterminated frontmatter block"}}
	}
	meta := rest[:end]
	body := rest[end+len(frontmatterDelim)+1:]
	body = strings.TrimPrefix(body, "\n")

	var task Task
	if err := yaml.Unmarshal([]byte(meta), &task); err != nil {
		return nil, &ParseError{Problems: []string{fmt.Sprintf("invalid metadata: %v", err)}}
	}
	task.Body = body

	var problems []string
	if task.ID == "" {
		problems = append(problems, "missing id")
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	} else if !task.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", task.Priority))
	}
	if task.ReclaimCount < 0 {
		problems = append(problems, "negative reclaim_count")
	}
	if len(problems) > 0 {
		return nil, &ParseError{Problems: problems}
	}
	return &task, nil
}

// MarshalDocument encodes a task back into document form. The frontmatter
// is rewritten from the task fields; the body is appended unchanged.
func MarshalDocument(task *Task) ([]byte, error) {
	meta, err := yaml.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task metadata: %w", err)
	}
	var b strings.Builder
	b.WriteString(frontmatterDelim)
	b.WriteByte('\n')
	b.Write(meta)
	b.WriteString(frontmatterDelim)
	b.WriteByte('\n')
	if task.Body != "" {
		b.WriteString(task.Body)
	}
	return []byte(b.String()), nil
}
