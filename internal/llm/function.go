package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/logging"
)

// Args are the named template arguments of one decision.
type Args map[string]any

// Function describes one LLM-backed decision: its prompts, the example value
// whose JSON shape a reply must match, and what to return when no valid reply
// arrives. Build it once per decision and invoke it with Call.
type Function[T any] struct {
	Name string

	// Prompt supplies System and User when they are empty.
	Prompt Prompt

	// System and User are text/template sources rendered with Args.
	System string
	User   string

	// Example is the value whose JSON shape replies must match. It is shown
	// to the model in the system prompt.
	Example T

	// Validate overrides the default shape check on the raw reply.
	Validate func(raw string, args Args) bool

	// Cleanup overrides the default decode of the largest JSON value into T.
	Cleanup func(raw string, args Args) (T, error)

	// FailsafeValue, when set, is returned after retries are exhausted.
	FailsafeValue *T

	// Failsafe computes the non-LLM answer when FailsafeValue is nil.
	Failsafe func(args Args) T

	Params Params
	Chat   bool
	Stop   []string

	once     sync.Once
	sysTmpl  *template.Template
	userTmpl *template.Template
	shape    any
	initErr  error
}

func (f *Function[T]) init() error {
	f.once.Do(func() {
		system, user := f.System, f.User
		if system == "" && user == "" {
			system, user = f.Prompt.System, f.Prompt.User
		}
		if f.sysTmpl, f.initErr = parseTemplate(f.Name+".system", system); f.initErr != nil {
			f.initErr = fmt.Errorf("parsing %s system prompt: %w", f.Name, f.initErr)
			return
		}
		if f.userTmpl, f.initErr = parseTemplate(f.Name+".user", user); f.initErr != nil {
			f.initErr = fmt.Errorf("parsing %s user prompt: %w", f.Name, f.initErr)
			return
		}
		if f.shape, f.initErr = toShape(f.Example); f.initErr != nil {
			f.initErr = fmt.Errorf("encoding %s example: %w", f.Name, f.initErr)
		}
	})
	return f.initErr
}

// exampleBlock is appended to every system prompt.
func exampleBlock(example any) string {
	data, _ := json.MarshalIndent(example, "", "    ")
	return "\n\nYou MUST reply the answer in the following json format (the contents are for reference only):\n" +
		string(data) +
		"\n\nYou should not give any explanation unless it is required in your answer.\n" +
		"You MUST not reply anything else. Just reply the json answer.\n"
}

// Render returns the system and user prompts Call would send for args.
func (f *Function[T]) Render(args Args) (system, user string, err error) {
	if err := f.init(); err != nil {
		return "", "", err
	}
	if system, err = render(f.sysTmpl, args); err != nil {
		return "", "", fmt.Errorf("rendering %s system prompt: %w", f.Name, err)
	}
	if user, err = render(f.userTmpl, args); err != nil {
		return "", "", fmt.Errorf("rendering %s user prompt: %w", f.Name, err)
	}
	return system + exampleBlock(f.Example), user, nil
}

func (f *Function[T]) validate(raw string, args Args) bool {
	if f.Validate != nil {
		return f.Validate(raw, args)
	}
	v, err := ParseLargestJSON(raw)
	if err != nil {
		return false
	}
	return MatchShape(v, f.shape)
}

func (f *Function[T]) cleanup(raw string, args Args) (T, error) {
	if f.Cleanup != nil {
		return f.Cleanup(raw, args)
	}
	var out T
	js := ExtractLargestJSON(raw)
	if js == "" {
		return out, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		return out, fmt.Errorf("decoding reply: %w", err)
	}
	return out, nil
}

func (f *Function[T]) failsafe(inv *Invoker, args Args) T {
	inv.usage.Record(f.Name, Stat{Failsafes: 1})
	switch {
	case f.FailsafeValue != nil:
		return *f.FailsafeValue
	case f.Failsafe != nil:
		return f.Failsafe(args)
	default:
		inv.logger.Warn("llm function has no failsafe, returning zero value", "function", f.Name)
		var zero T
		return zero
	}
}

// Call renders the prompts, asks the model up to the invoker's retry limit
// and returns the first reply that validates and cleans up. When every
// attempt fails it returns the failsafe with a nil error. The error is
// non-nil only when the prompts cannot be rendered or ctx is done; the
// failsafe is returned alongside it.
func (f *Function[T]) Call(ctx context.Context, inv *Invoker, args Args) (T, error) {
	system, user, err := f.Render(args)
	if err != nil {
		return f.failsafe(inv, args), err
	}
	if !inv.client.Available() {
		inv.logger.Log(ctx, logging.LevelTrace, "llm unavailable, using failsafe", "function", f.Name)
		return f.failsafe(inv, args), nil
	}

	req := Request{
		Function: f.Name,
		System:   system,
		User:     user,
		Chat:     f.Chat,
		Params:   inv.params.Merge(f.Params),
	}
	if len(f.Stop) > 0 {
		req.Params.Stop = f.Stop
	}

	inv.logger.Log(ctx, logging.LevelTrace, "llm request", "function", f.Name, "system", system, "user", user)

	for attempt := 1; attempt <= inv.maxRetries; attempt++ {
		if attempt > 1 {
			if err := inv.sleep(ctx, inv.retryDelay); err != nil {
				return f.failsafe(inv, args), err
			}
		}

		start := time.Now()
		resp, err := inv.client.Complete(ctx, req)
		elapsed := time.Since(start)

		if err != nil {
			inv.usage.Record(f.Name, Stat{Requests: 1, Duration: elapsed})
			inv.logAttempt(f.Name, req, attempt, elapsed, nil, false, err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return f.failsafe(inv, args), ctxErr
			}
			continue
		}

		text := UnescapeMarkdown(resp.Text)
		valid := f.validate(text, args)
		inv.usage.Record(f.Name, Stat{
			Requests:         1,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			Duration:         elapsed,
		})
		inv.logger.Log(ctx, logging.LevelTrace, "llm response", "function", f.Name, "text", resp.Text)

		if !valid {
			inv.logAttempt(f.Name, req, attempt, elapsed, resp, false, errors.New("shape mismatch"))
			continue
		}

		out, err := f.cleanup(text, args)
		if err != nil {
			inv.logAttempt(f.Name, req, attempt, elapsed, resp, false, err)
			continue
		}
		inv.usage.Record(f.Name, Stat{Successes: 1})
		inv.logAttempt(f.Name, req, attempt, elapsed, resp, true, nil)
		return out, nil
	}

	inv.logger.Warn("llm retries exhausted, using failsafe", "function", f.Name, "attempts", inv.maxRetries)
	return f.failsafe(inv, args), nil
}

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	// Params are the defaults merged under each Function's overrides.
	Params     Params
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
	CallLog    *logging.CallLog
}

// Invoker carries everything a Function needs to reach the model: the client,
// retry policy, logging and usage accounting. One Invoker is shared by every
// persona of a simulation.
type Invoker struct {
	client     Client
	params     Params
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	callLog    *logging.CallLog
	usage      *Usage
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an Invoker for client.
func NewInvoker(client Client, cfg InvokerConfig) *Invoker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = constants.DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Invoker{
		client:     client,
		params:     cfg.Params,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		callLog:    cfg.CallLog,
		usage:      &Usage{},
		sleep:      sleepContext,
	}
}

// Usage returns the invoker's statistics.
func (inv *Invoker) Usage() *Usage {
	return inv.usage
}

// Client returns the underlying completion client.
func (inv *Invoker) Client() Client {
	return inv.client
}

func (inv *Invoker) logAttempt(function string, req Request, attempt int, elapsed time.Duration, resp *Response, valid bool, err error) {
	kind := "completion"
	if req.Chat {
		kind = "chat"
	}
	attrs := []any{
		"function", function,
		"model", req.Params.Model,
		"kind", kind,
		"attempt", attempt,
		"duration", elapsed,
		"valid", valid,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	inv.logger.Debug("llm attempt", attrs...)

	entry := map[string]any{
		"function":    function,
		"model":       req.Params.Model,
		"chat":        req.Chat,
		"attempt":     attempt,
		"duration_ms": elapsed.Milliseconds(),
		"valid":       valid,
	}
	if resp != nil {
		if resp.Model != "" {
			entry["model"] = resp.Model
		}
		entry["prompt_tokens"] = resp.PromptTokens
		entry["completion_tokens"] = resp.CompletionTokens
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	inv.callLog.Log(entry)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
