// Package toolrunner invokes the external LLM CLI and turns its noisy
// stdout into a structured result, applying the retry policy and
// circuit breaker from spec.md §4.3.
//
// Grounded on the teacher's invokeAgent (internal/engine/engine.go) for
// argv shape and on original_source/claude_runner.py (referenced by
// model_resolver.py and the JSON-extraction strategies described in the
// spec) for the noisy-JSON-from-stdout parsing and retry classification.
package toolrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/autoforge/autoforge/internal/procrunner"
)

// Result is the structured outcome of a single Run call.
type Result struct {
	Success      bool
	ResultText   string
	CostUSD      float64
	Duration     time.Duration
	RawJSON      map[string]interface{}
	Error        string
}

// Options configures one tool invocation.
type Options struct {
	Command    string
	Prompt     string
	Model      string
	MaxTurns   int
	AddDirs    []string
	Timeout    time.Duration
	ExtraArgs  []string
	Cwd        string
}

// BuildArgv assembles the CLI argv per spec.md §4.3's command shape.
func BuildArgv(opts Options) []string {
	argv := []string{opts.Command, "-p", opts.Prompt}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		argv = append(argv, "--max-turns", fmt.Sprintf("%d", opts.MaxTurns))
	}
	argv = append(argv, "--output-format", "json")
	for _, d := range opts.AddDirs {
		argv = append(argv, "--add-dir", d)
	}
	argv = append(argv, opts.ExtraArgs...)
	return argv
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate limit|429|too many requests`)

// circuitOpenPattern lists failures that count toward opening the
// circuit breaker (spec.md §4.3).
var circuitOpenPattern = regexp.MustCompile(`(?i)rate limit|429|5\d\d|server is overloaded`)

// RetryDelays is the fixed backoff schedule for ordinary transient
// failures (timeout, OS error, non-rate-limited nonzero exit).
var RetryDelays = []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second}

// Runner invokes the external tool with retry and circuit-breaker
// protection. internal/cli builds one Runner, and with it one circuit
// breaker, that every worker and pipeline agent of a run shares; Run
// keeps no per-call state on the Runner.
type Runner struct {
	MaxRetries          int
	RateLimitBaseDelay  time.Duration
	RateLimitMultiplier float64
	Breaker             *CircuitBreaker
	Logger              *log.Logger

	sleepFunc func(time.Duration)
}

// NewRunner builds a Runner with the given retry/circuit parameters.
func NewRunner(maxRetries int, rateLimitBase time.Duration, rateLimitMult float64, breaker *CircuitBreaker, logger *log.Logger) *Runner {
	return &Runner{
		MaxRetries:          maxRetries,
		RateLimitBaseDelay:  rateLimitBase,
		RateLimitMultiplier: rateLimitMult,
		Breaker:             breaker,
		Logger:              logger,
		sleepFunc:           time.Sleep,
	}
}

// attemptOutcome captures what kind of failure an attempt produced, so
// Run can pick the right backoff (or refuse to retry at all).
type attemptOutcome struct {
	res        Result
	retryable  bool
	noRetry    bool // exec-not-found / JSON-parse failure: never retried
	rateLimited bool
}

// Run executes the tool, retrying transient failures per spec.md §4.3,
// all gated by the circuit breaker.
func (r *Runner) Run(ctx context.Context, opts Options) Result {
	if r.Breaker != nil && r.Breaker.IsOpen() {
		return Result{Success: false, Error: "Circuit breaker open"}
	}

	var last attemptOutcome
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		out := r.attempt(ctx, opts)
		last = out

		if out.res.Success {
			if r.Breaker != nil {
				r.Breaker.RecordSuccess()
			}
			return out.res
		}

		if r.Breaker != nil && circuitOpenPattern.MatchString(out.res.Error) {
			r.Breaker.RecordFailure()
		}

		if out.noRetry || attempt == r.MaxRetries {
			break
		}

		delay := r.delayFor(out, attempt)
		if r.Logger != nil {
			r.Logger.Warn("tool call failed, retrying", "attempt", attempt+1, "delay", delay, "error", out.res.Error)
		}
		r.sleep(delay)
	}
	return last.res
}

func (r *Runner) delayFor(out attemptOutcome, attempt int) time.Duration {
	if out.rateLimited {
		mult := r.RateLimitMultiplier
		if mult == 0 {
			mult = 3
		}
		base := r.RateLimitBaseDelay
		if base == 0 {
			base = 5 * time.Second
		}
		d := float64(base) * pow(mult, attempt)
		return time.Duration(d)
	}
	if attempt < len(RetryDelays) {
		return RetryDelays[attempt]
	}
	return RetryDelays[len(RetryDelays)-1]
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (r *Runner) sleep(d time.Duration) {
	if r.sleepFunc != nil {
		r.sleepFunc(d)
		return
	}
	time.Sleep(d)
}

// attempt runs the tool exactly once and classifies the outcome.
func (r *Runner) attempt(ctx context.Context, opts Options) attemptOutcome {
	argv := BuildArgv(opts)
	start := time.Now()
	procRes, err := procrunner.Run(ctx, argv, procrunner.Options{
		Cwd:     opts.Cwd,
		Timeout: opts.Timeout,
	})
	elapsed := time.Since(start)

	if err != nil {
		// Exec-level failure (binary not found, permission denied): no retry.
		return attemptOutcome{
			res:     Result{Success: false, Error: err.Error(), Duration: elapsed},
			noRetry: true,
		}
	}

	if procRes.TimedOut {
		return attemptOutcome{
			res:       Result{Success: false, Error: "tool invocation timed out", Duration: elapsed},
			retryable: true,
		}
	}

	if procRes.ReturnCode != 0 {
		rateLimited := rateLimitPattern.MatchString(procRes.Stderr)
		return attemptOutcome{
			res: Result{
				Success:  false,
				Error:    fmt.Sprintf("exit %d: %s", procRes.ReturnCode, strings.TrimSpace(procRes.Stderr)),
				Duration: elapsed,
			},
			retryable:   true,
			rateLimited: rateLimited,
		}
	}

	data, ok := extractJSON(procRes.Stdout)
	if !ok {
		return attemptOutcome{
			res:     Result{Success: false, Error: "could not parse JSON from tool output", Duration: elapsed},
			noRetry: true,
		}
	}

	return attemptOutcome{res: resultFromJSON(data, elapsed)}
}

// extractJSON implements the three ordered strategies from spec.md §4.3:
// whole-line JSON, per-line interior-brace scan, and a streaming decode
// from the start of stdout. The first strategy to yield a JSON object
// wins.
func extractJSON(stdout string) (map[string]interface{}, bool) {
	lines := strings.Split(stdout, "\n")

	// Strategy 1: each trimmed line beginning with '{' parsed whole.
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return obj, true
		}
	}

	// Strategy 2: within each line, try every interior '{' position.
	for _, line := range lines {
		for i, c := range line {
			if c != '{' {
				continue
			}
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(line[i:]), &obj); err == nil {
				return obj, true
			}
		}
	}

	// Strategy 3: scan from the start of stdout, trying a streaming
	// decode at every '{' encountered.
	for i, c := range stdout {
		if c != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(stdout[i:]))
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err == nil {
			return obj, true
		}
	}

	return nil, false
}

func resultFromJSON(data map[string]interface{}, elapsed time.Duration) Result {
	res := Result{Success: true, RawJSON: data, Duration: elapsed}

	if text, ok := data["result"].(string); ok {
		res.ResultText = text
	}
	// Missing "result" is logged by the caller (Worker/pipeline), not
	// treated as failure — the CLI still ran successfully.

	if v, ok := numField(data, "total_cost_usd"); ok {
		res.CostUSD = v
	} else if v, ok := numField(data, "cost_usd"); ok {
		res.CostUSD = v
	}

	if v, ok := numField(data, "duration_ms"); ok {
		res.Duration = time.Duration(v * float64(time.Millisecond))
	} else if v, ok := numField(data, "duration_seconds"); ok {
		res.Duration = time.Duration(v * float64(time.Second))
	}

	return res
}

func numField(data map[string]interface{}, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// ResolveModel probes the CLI once with a minimal prompt to learn the
// canonical model ID from the modelUsage key, per
// original_source/model_resolver.py.
func ResolveModel(ctx context.Context, command, modelAlias string, timeout time.Duration) (string, error) {
	argv := []string{command, "-p", "x", "--model", modelAlias, "--output-format", "json", "--max-turns", "1", "--tools", ""}
	res, err := procrunner.Run(ctx, argv, procrunner.Options{Timeout: timeout})
	if err != nil {
		return "", err
	}
	if res.ReturnCode != 0 {
		return "", fmt.Errorf("model resolution failed (exit %d): %s", res.ReturnCode, firstLine(res.Stderr))
	}

	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			continue
		}
		mu, ok := data["modelUsage"].(map[string]interface{})
		if !ok || len(mu) == 0 {
			continue
		}
		for k := range mu {
			return k, nil
		}
	}
	return "", fmt.Errorf("model resolution failed: no modelUsage in CLI output")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
