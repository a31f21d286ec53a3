// Package notify implements C12: best-effort webhook fan-out for
// critical orchestrator events. Every send runs in its own goroutine so
// a slow or unreachable endpoint never blocks the cycle that triggered
// it, and every failure is logged and swallowed — a notification error
// must never fail an otherwise-successful cycle.
//
// Grounded on original_source/notifications.py's NotificationManager
// for the event taxonomy, the Slack/Discord/generic payload shapes, and
// the dedup-window behavior; reworked into Go idiom with a
// context-bounded net/http client instead of background threads and a
// zerolog-backed ledger file instead of an in-memory-only dedup map, so
// the dedup window survives a process restart.
package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autoforge/autoforge/internal/config"
)

// Event names, matching original_source/notifications.py's _EVENT_FIELD_MAP.
const (
	EventCycleSuccess                = "cycle_success"
	EventCycleFailure                = "cycle_failure"
	EventConsecutiveFailureThreshold = "consecutive_failure_threshold"
	EventCostLimitExceeded           = "cost_limit_exceeded"
	EventSafetyError                 = "safety_error"
)

// dedupNamespace is an arbitrary fixed UUID used only to make
// uuid.NewSHA1's dedup keys deterministic across process restarts.
var dedupNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

const (
	defaultDedupWindow = 60 * time.Second
	httpTimeout        = 5 * time.Second
	ledgerFileName     = "notifications.jsonl"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Dispatcher sends webhook notifications for orchestrator events.
type Dispatcher struct {
	cfg    config.NotificationsConfig
	window time.Duration
	client *http.Client
	ledger zerolog.Logger
	logger *log.Logger

	mu     sync.Mutex
	recent map[uuid.UUID]time.Time
}

// New builds a Dispatcher, opening (or creating) the dedup ledger under
// stateDir and seeding the in-memory dedup window from any ledger
// entries still inside it.
func New(cfg config.NotificationsConfig, stateDir string, logger *log.Logger) (*Dispatcher, error) {
	window := time.Duration(cfg.DedupWindowSeconds) * time.Second
	if window <= 0 {
		window = defaultDedupWindow
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("notify: creating state dir: %w", err)
	}
	ledgerPath := filepath.Join(stateDir, ledgerFileName)
	f, err := os.OpenFile(ledgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("notify: opening ledger: %w", err)
	}

	d := &Dispatcher{
		cfg:    cfg,
		window: window,
		client: &http.Client{Timeout: httpTimeout},
		ledger: zerolog.New(f).With().Timestamp().Logger(),
		logger: logger,
		recent: make(map[uuid.UUID]time.Time),
	}
	d.seedRecent(ledgerPath)
	return d, nil
}

// seedRecent replays the ledger file to rebuild the dedup window a
// prior process had in memory, so a restart mid-window doesn't
// immediately re-fire a notification that was just deduped.
func (d *Dispatcher) seedRecent(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	cutoff := time.Now().Add(-d.window)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry struct {
			Time     time.Time `json:"time"`
			DedupKey string    `json:"dedup_key"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Time.Before(cutoff) {
			continue
		}
		if key, err := uuid.Parse(entry.DedupKey); err == nil {
			d.recent[key] = entry.Time
		}
	}
}

// Notify sends a notification for event to every configured webhook,
// unless notifications are disabled, this event type is turned off, or
// an identical (event, details) pair was already sent within the dedup
// window.
func (d *Dispatcher) Notify(event string, details map[string]interface{}) {
	if !d.cfg.Enabled || len(d.cfg.Webhooks) == 0 {
		return
	}
	if !d.eventEnabled(event) {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}

	key, err := dedupKey(event, details)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("computing notification dedup key", "event", event, "error", err)
		}
		return
	}

	if d.recentlySent(key) {
		d.ledger.Info().Str("event", event).Str("dedup_key", key.String()).Bool("dispatched", false).Msg("notification deduped")
		return
	}
	d.ledger.Info().Str("event", event).Str("dedup_key", key.String()).Bool("dispatched", true).Msg("notification dispatched")

	for _, webhook := range d.cfg.Webhooks {
		if webhook.URL == "" {
			continue
		}
		go d.send(webhook, event, details)
	}
}

func (d *Dispatcher) eventEnabled(event string) bool {
	switch event {
	case EventCycleSuccess:
		return d.cfg.Events.OnCycleSuccess
	case EventCycleFailure:
		return d.cfg.Events.OnCycleFailure
	case EventConsecutiveFailureThreshold:
		return d.cfg.Events.OnConsecutiveFailureThreshold
	case EventCostLimitExceeded:
		return d.cfg.Events.OnCostLimitExceeded
	case EventSafetyError:
		return d.cfg.Events.OnSafetyError
	default:
		return true
	}
}

// recentlySent reports whether key was already seen within the dedup
// window, recording it either way, and sweeps entries older than twice
// the window so the map doesn't grow without bound.
func (d *Dispatcher) recentlySent(key uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.recent[key]; ok && now.Sub(last) < d.window {
		return true
	}
	d.recent[key] = now

	cutoff := now.Add(-2 * d.window)
	for k, t := range d.recent {
		if t.Before(cutoff) {
			delete(d.recent, k)
		}
	}
	return false
}

// dedupKey derives a deterministic key for (event, details) via
// uuid.NewSHA1 rather than hand-rolling a string-concatenation key —
// encoding/json already sorts map keys the same way Python's
// sort_keys=True does, so two equal detail maps always marshal
// identically.
func dedupKey(event string, details map[string]interface{}) (uuid.UUID, error) {
	data, err := json.Marshal(details)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.NewSHA1(dedupNamespace, append([]byte(event+":"), data...)), nil
}

// send delivers one webhook POST, logging and swallowing any failure.
func (d *Dispatcher) send(webhook config.WebhookConfig, event string, details map[string]interface{}) {
	var payload map[string]interface{}
	switch webhook.Type {
	case "slack":
		payload = slackPayload(event, details)
	case "discord":
		payload = discordPayload(event, details)
	default:
		payload = genericPayload(event, details)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.warn(webhook, "encoding webhook payload", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		d.warn(webhook, "building webhook request", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.warn(webhook, "sending webhook", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.warn(webhook, "webhook returned a non-2xx status", fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) warn(webhook config.WebhookConfig, msg string, err error) {
	if d.logger == nil {
		return
	}
	d.logger.Warn(msg, "webhook", webhookLabel(webhook), "error", err)
}

func webhookLabel(webhook config.WebhookConfig) string {
	if webhook.Name != "" {
		return webhook.Name
	}
	if len(webhook.URL) > 40 {
		return webhook.URL[:40]
	}
	return webhook.URL
}

func titleCase(event string) string {
	words := strings.Split(event, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func detailLines(details map[string]interface{}) []string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("• %s: %s", k, formatDetailValue(details[k])))
	}
	return lines
}

func formatDetailValue(v interface{}) string {
	if list, ok := v.([]string); ok {
		return strings.Join(list, ", ")
	}
	return fmt.Sprintf("%v", v)
}

func slackPayload(event string, details map[string]interface{}) map[string]interface{} {
	lines := append([]string{fmt.Sprintf("*Auto Claude Code: %s*", titleCase(event))}, detailLines(details)...)
	return map[string]interface{}{"text": strings.Join(lines, "\n")}
}

func discordPayload(event string, details map[string]interface{}) map[string]interface{} {
	lines := append([]string{fmt.Sprintf("**Auto Claude Code: %s**", titleCase(event))}, detailLines(details)...)
	return map[string]interface{}{"content": strings.Join(lines, "\n")}
}

func genericPayload(event string, details map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"event":     event,
		"source":    "auto_claude_code",
		"details":   details,
		"timestamp": time.Now().Unix(),
	}
}
