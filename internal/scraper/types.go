package scraper

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// Status represents the lifecycle state of a scraper run.
type Status string

// Scraper lifecycle states.
const (
	StatusIdle      Status = "IDLE"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a run in state s still occupies its task id.
func (s Status) Active() bool {
	return s == StatusIdle || s == StatusQueued || s == StatusRunning
}

// Options carries per-run filters forwarded to the worker.
type Options struct {
	SkipLangs []string `json:"skip_langs,omitempty"`
}

// Normalize lowercases, trims and deduplicates the language filter.
func (o Options) Normalize() Options {
	langs := lo.Uniq(lo.FilterMap(o.SkipLangs, func(lang string, _ int) (string, bool) {
		lang = strings.ToLower(strings.TrimSpace(lang))
		return lang, lang != ""
	}))
	if len(langs) == 0 {
		langs = nil
	}
	return Options{SkipLangs: langs}
}

// Skips reports whether an item tagged with lang is filtered out. Untagged
// items are always kept. "en-US" matches a skip entry of "en".
func (o Options) Skips(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || len(o.SkipLangs) == 0 {
		return false
	}
	primary, _, _ := strings.Cut(lang, "-")
	return lo.ContainsBy(o.SkipLangs, func(skip string) bool {
		return skip == lang || skip == primary
	})
}

// Task is the immutable unit placed on the task queue.
type Task struct {
	TaskID     string    `json:"task_id"`
	RunID      string    `json:"run_id"`
	Options    Options   `json:"options"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// State is a point-in-time snapshot of one scraper run.
type State struct {
	TaskID            string     `json:"task_id"`
	RunID             string     `json:"run_id"`
	Status            Status     `json:"status"`
	Worker            string     `json:"worker,omitempty"`
	Title             string     `json:"title,omitempty"`
	Channel           string     `json:"channel,omitempty"`
	Options           Options    `json:"options"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	TotalMessages     int64      `json:"total_messages"`
	LastThroughput    int64      `json:"last_throughput"`
	MaxThroughput     int64      `json:"max_throughput"`
	AverageThroughput float64    `json:"average_throughput"`
	Intervals         int64      `json:"intervals"`
	Reason            string     `json:"reason,omitempty"`
}

// ChatItem is one raw chat message observed by a worker.
type ChatItem struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	// Lang is the message language when the page tags it.
	Lang      string    `json:"lang,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ThroughputReport is emitted once per throughput interval for a run.
type ThroughputReport struct {
	TaskID             string `json:"task_id"`
	MessagesInInterval int64  `json:"messages_in_interval"`
	TotalMessages      int64  `json:"total_messages"`
	Status             Status `json:"status"`
}
