package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/metrics"
)

const labelLimit = 50

// UnknownAgent receives token usage reported outside any agent.
const UnknownAgent = "unknown"

type agentKey struct{}

type tokenKey struct{}

// ContextWithAgent attributes tool and token usage under ctx to agent.
func ContextWithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

func AgentFromContext(ctx context.Context) string {
	agent, _ := ctx.Value(agentKey{}).(string)
	return agent
}

// ReportTokens adds n to the token count of the model call running under
// ctx. Outside a wrapped model call it does nothing.
func ReportTokens(ctx context.Context, n int64) {
	if counter, ok := ctx.Value(tokenKey{}).(*atomic.Int64); ok {
		counter.Add(n)
	}
}

// Track runs call as an activity of the given kind, nested under the span
// carried by ctx. The activity fails if call returns an error or panics.
func Track[Out any](ctx context.Context, store *Store, kind domain.Kind, label string, attrs domain.Attributes, call func(context.Context) (Out, error)) (Out, error) {
	return track(ctx, store, kind, label, attrs, call, nil)
}

// track is Track with a hook that runs before the span ends. The hook sees
// whether the call failed and may add attributes to the span.
func track[Out any](
	ctx context.Context,
	store *Store,
	kind domain.Kind,
	label string,
	attrs domain.Attributes,
	call func(context.Context) (Out, error),
	done func(ctx context.Context, span *Span, failed bool),
) (out Out, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := store.StartSpan(ctx, kind, label, attrs)
	defer func() {
		recovered := recover()
		if done != nil {
			done(ctx, span, err != nil || recovered != nil)
		}
		if recovered != nil {
			span.End(domain.StatusFailed, domain.Attributes{
				"error": domain.String(fmt.Sprint(recovered)),
				"panic": domain.Bool(true),
			})
			panic(recovered)
		}
		span.Finish(&err)
	}()
	return call(ctx)
}

// WrapAgent returns fn instrumented as an agent-execution activity. Each
// call updates the agent's entity metrics with its response time and
// outcome, and tool calls made under it are counted against the agent.
func WrapAgent[In, Out any](store *Store, agent string, fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		task := fmt.Sprint(in)
		attrs := domain.Attributes{
			"agent": domain.String(agent),
			"task":  domain.String(task),
		}
		call := func(ctx context.Context) (Out, error) {
			return fn(ContextWithAgent(ctx, agent), in)
		}
		return track(ctx, store, domain.KindAgentExecution, agent+": "+truncate(task, labelLimit), attrs, call,
			func(_ context.Context, span *Span, failed bool) {
				store.UpdateEntityMetrics(agent, metrics.Delta{
					TaskCompleted: !failed,
					TaskFailed:    failed,
					ResponseTime:  metrics.ResponseTime(span.Elapsed()),
				})
			})
	}
}

// WrapTool returns fn instrumented as a tool-execution activity. The input
// is recorded as the parameters attribute.
func WrapTool[In, Out any](store *Store, tool string, fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		attrs := domain.Attributes{
			"tool":       domain.String(tool),
			"parameters": domain.ValueOf(in),
		}
		call := func(ctx context.Context) (Out, error) { return fn(ctx, in) }
		return track(ctx, store, domain.KindToolExecution, "Tool: "+tool, attrs, call,
			func(ctx context.Context, _ *Span, _ bool) {
				if agent := AgentFromContext(ctx); agent != "" {
					store.UpdateEntityMetrics(agent, metrics.Delta{ToolUsed: tool})
				}
			})
	}
}

// WrapModelCall returns fn instrumented as a model-call activity. fn reports
// token usage with ReportTokens; the total is recorded on the activity and
// added to the calling agent, or to UnknownAgent outside one.
func WrapModelCall[In, Out any](store *Store, model string, fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		attrs := domain.Attributes{
			"model":         domain.String(model),
			"prompt_length": domain.Int(int64(len(fmt.Sprint(in)))),
		}
		tokens := new(atomic.Int64)
		call := func(ctx context.Context) (Out, error) {
			return fn(context.WithValue(ctx, tokenKey{}, tokens), in)
		}
		return track(ctx, store, domain.KindModelCall, "LLM: "+model, attrs, call,
			func(ctx context.Context, span *Span, _ bool) {
				used := tokens.Load()
				span.Set("tokens_used", used)
				span.Set("response_time", span.Elapsed())
				if used <= 0 {
					return
				}
				agent := AgentFromContext(ctx)
				if agent == "" {
					agent = UnknownAgent
				}
				store.UpdateEntityMetrics(agent, metrics.Delta{TokensUsed: used})
			})
	}
}

// WrapFileOp returns fn instrumented as a file-operation activity on the
// path it is called with.
func WrapFileOp[Out any](store *Store, operation string, fn func(ctx context.Context, path string) (Out, error)) func(context.Context, string) (Out, error) {
	return func(ctx context.Context, path string) (Out, error) {
		attrs := domain.Attributes{
			"operation": domain.String(operation),
			"file_path": domain.String(path),
		}
		call := func(ctx context.Context) (Out, error) { return fn(ctx, path) }
		return track(ctx, store, domain.KindFileOperation, fmt.Sprintf("File %s: %s", operation, path), attrs, call, nil)
	}
}

// WrapCommand returns fn instrumented as a command-execution activity on
// the argv it is called with.
func WrapCommand[Out any](store *Store, fn func(ctx context.Context, argv []string) (Out, error)) func(context.Context, []string) (Out, error) {
	return func(ctx context.Context, argv []string) (Out, error) {
		command := strings.Join(argv, " ")
		attrs := domain.Attributes{"command": domain.String(command)}
		call := func(ctx context.Context) (Out, error) { return fn(ctx, argv) }
		return track(ctx, store, domain.KindCommandExecution, "Command: "+truncate(command, labelLimit), attrs, call, nil)
	}
}

// RecordNetworkRequest records a request that has already happened as a
// completed network-request activity. A zero statusCode is stored as null.
func RecordNetworkRequest(ctx context.Context, store *Store, method, url string, statusCode int) string {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := domain.Attributes{
		"url":    domain.String(url),
		"method": domain.String(method),
	}
	_, span := store.StartSpan(ctx, domain.KindNetworkRequest, method+" "+url, attrs)
	status := domain.Null()
	if statusCode != 0 {
		status = domain.Int(int64(statusCode))
	}
	span.End(domain.StatusCompleted, domain.Attributes{"status_code": status})
	return span.ID()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
