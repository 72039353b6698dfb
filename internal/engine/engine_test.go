package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"AgentHive-Chain/internal/agentdef"
	"AgentHive-Chain/internal/convo"
	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/llm"
	"AgentHive-Chain/internal/tools"
)

type scriptedClient struct {
	steps    []func(req llm.Request) (*llm.Response, error)
	requests []llm.Request
}

func (c *scriptedClient) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)
	index := len(c.requests) - 1
	if index >= len(c.steps) {
		index = len(c.steps) - 1
	}
	return c.steps[index](req)
}

func answer(text string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text}, nil
	}
}

func toolCall(name string, args map[string]any) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call-" + name, Name: name, Arguments: args}}}, nil
	}
}

func failWith(code xerrors.Code, msg string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return nil, xerrors.New(code, msg)
	}
}

type stubTool struct {
	name       string
	sideEffect bool
	schema     map[string]any
	invoke     func(ctx context.Context, args map[string]any) (tools.Result, error)
}

func (s *stubTool) Name() string           { return s.name }
func (s *stubTool) Description() string    { return "stub tool " + s.name }
func (s *stubTool) SideEffecting() bool    { return s.sideEffect }
func (s *stubTool) Schema() map[string]any { return s.schema }
func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	return s.invoke(ctx, args)
}

func balanceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{"type": "string"},
		},
		"required": []string{"address"},
	}
}

type fixture struct {
	engine *Engine
	store  *convo.MemoryStore
	client *scriptedClient
	sleeps []time.Duration
}

func newFixture(t *testing.T, def agentdef.Definition, client *scriptedClient, contracts ...tools.Contract) *fixture {
	t.Helper()

	agents := agentdef.NewRegistry()
	if err := agents.Add(def); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	registry := tools.NewRegistry()
	for _, contract := range contracts {
		if err := registry.Register(contract); err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}

	store := convo.NewMemoryStore()
	eng := New(agents, registry, store, map[string]llm.Client{"stub": client})

	fx := &fixture{engine: eng, store: store, client: client}
	eng.sleep = func(_ context.Context, d time.Duration) error {
		fx.sleeps = append(fx.sleeps, d)
		return nil
	}
	return fx
}

func testDefinition(toolNames ...string) agentdef.Definition {
	return agentdef.Definition{
		ID:            "researcher",
		Provider:      "stub",
		Model:         "stub-model",
		Instructions:  "Be helpful.",
		Tools:         toolNames,
		MaxIterations: 4,
		MemoryWindow:  50,
		Retry:         agentdef.RetryPolicy{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond},
	}
}

func TestRunFinalAnswer(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("hello")}}
	fx := newFixture(t, testDefinition(), client)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != convo.SessionCompleted {
		t.Fatalf("status = %s, want completed", outcome.Status)
	}
	if outcome.Reply != "hello" {
		t.Fatalf("reply = %q", outcome.Reply)
	}
	if outcome.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", outcome.Iterations)
	}

	history, err := fx.store.Read(context.Background(), outcome.SessionID, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != convo.RoleUser || history[1].Role != convo.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
	for i, msg := range history {
		if msg.Seq != int64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, msg.Seq, i+1)
		}
	}

	session, err := fx.store.GetSession(context.Background(), outcome.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != convo.SessionCompleted {
		t.Fatalf("session status = %s", session.Status)
	}
}

func TestRunLoopLimitExceeded(t *testing.T) {
	tool := &stubTool{
		name:   "get_balance",
		schema: balanceSchema(),
		invoke: func(context.Context, map[string]any) (tools.Result, error) {
			return tools.Result{Content: "0x0"}, nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("get_balance", map[string]any{"address": "0xabc"}),
	}}
	def := testDefinition("get_balance")
	fx := newFixture(t, def, client, tool)

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "loop forever"})
	if xerrors.CodeOf(err) != xerrors.CodeLoopLimitExceeded {
		t.Fatalf("expected LOOP_LIMIT_EXCEEDED, got %v", err)
	}
	if got := len(client.requests); got != def.MaxIterations {
		t.Fatalf("provider called %d times, want exactly %d", got, def.MaxIterations)
	}
}

func TestRunRetriesProviderUnavailable(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		failWith(xerrors.CodeProviderUnavailable, "connection refused"),
		failWith(xerrors.CodeProviderUnavailable, "connection refused"),
		answer("recovered"),
	}}
	fx := newFixture(t, testDefinition(), client)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Retries != 2 {
		t.Fatalf("retries = %d, want 2", outcome.Retries)
	}
	if outcome.Reply != "recovered" {
		t.Fatalf("reply = %q", outcome.Reply)
	}

	// 指数退避：第二次等待应当翻倍。
	if len(fx.sleeps) != 2 || fx.sleeps[1] != 2*fx.sleeps[0] {
		t.Fatalf("unexpected backoff schedule: %v", fx.sleeps)
	}

	history, _ := fx.store.Read(context.Background(), outcome.SessionID, 1)
	if len(history) != 2 {
		t.Fatalf("retries must not duplicate messages, history length = %d", len(history))
	}
}

func TestRunProviderRetriesExhausted(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		failWith(xerrors.CodeProviderUnavailable, "connection refused"),
	}}
	fx := newFixture(t, testDefinition(), client)

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if xerrors.CodeOf(err) != xerrors.CodeProviderUnavailable {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
	if got := len(client.requests); got != 3 {
		t.Fatalf("provider called %d times, want max attempts 3", got)
	}
}

func TestRunToolCallScenario(t *testing.T) {
	tool := &stubTool{
		name:   "get_balance",
		schema: balanceSchema(),
		invoke: func(_ context.Context, args map[string]any) (tools.Result, error) {
			if args["address"] != "0xabc" {
				t.Fatalf("unexpected address %v", args["address"])
			}
			return tools.Result{Content: "1000000000000000000"}, nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("get_balance", map[string]any{"address": "0xabc"}),
		answer("The balance is 1 ETH."),
	}}
	fx := newFixture(t, testDefinition("get_balance"), client, tool)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "check 0xabc"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", outcome.Iterations)
	}

	history, _ := fx.store.Read(context.Background(), outcome.SessionID, 1)
	wantRoles := []convo.Role{convo.RoleUser, convo.RoleAssistant, convo.RoleTool, convo.RoleAssistant}
	if len(history) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(history), len(wantRoles))
	}
	for i, role := range wantRoles {
		if history[i].Role != role {
			t.Fatalf("history[%d].Role = %s, want %s", i, history[i].Role, role)
		}
	}
	if history[1].ToolCall == nil || history[1].ToolCall.Name != "get_balance" {
		t.Fatalf("assistant message missing tool call: %+v", history[1])
	}
	if history[2].ToolResult != "1000000000000000000" {
		t.Fatalf("tool result = %q", history[2].ToolResult)
	}

	invocations, err := fx.store.ListInvocations(context.Background(), outcome.SessionID)
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if len(invocations) != 1 {
		t.Fatalf("invocations = %d, want 1", len(invocations))
	}
	if invocations[0].Tool != "get_balance" || invocations[0].TriggerSeq != 2 {
		t.Fatalf("unexpected invocation: %+v", invocations[0])
	}
	if invocations[0].SideEffect {
		t.Fatalf("get_balance must not be flagged side-effecting")
	}

	// 第二次模型调用的上下文必须包含工具结果。
	second := client.requests[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleTool && msg.Content == "1000000000000000000" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool result not fed back to provider: %+v", second.Messages)
	}
}

func TestRunDisallowedToolSynthesizesError(t *testing.T) {
	deploy := &stubTool{
		name:       "deploy_contract",
		sideEffect: true,
		schema:     map[string]any{"type": "object"},
		invoke: func(context.Context, map[string]any) (tools.Result, error) {
			t.Fatal("disallowed tool must never be invoked")
			return tools.Result{}, nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("deploy_contract", map[string]any{}),
		answer("understood"),
	}}
	fx := newFixture(t, testDefinition("get_balance"), client, deploy)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "deploy it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != convo.SessionCompleted {
		t.Fatalf("status = %s", outcome.Status)
	}

	invocations, _ := fx.store.ListInvocations(context.Background(), outcome.SessionID)
	if len(invocations) != 0 {
		t.Fatalf("no ToolInvocation may be created for a disallowed tool, got %d", len(invocations))
	}

	history, _ := fx.store.Read(context.Background(), outcome.SessionID, 1)
	var toolErr *convo.Message
	for i := range history {
		if history[i].Role == convo.RoleTool {
			toolErr = &history[i]
		}
	}
	if toolErr == nil || !strings.Contains(toolErr.ToolResult, "not allowed") {
		t.Fatalf("expected synthesized tool-error message, history = %+v", history)
	}
	if got := len(client.requests); got != 2 {
		t.Fatalf("engine must loop back to the provider, calls = %d", got)
	}
}

func TestRunUnknownToolFeedsBackError(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("nonexistent", map[string]any{}),
		answer("ok"),
	}}
	fx := newFixture(t, testDefinition("nonexistent"), client)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	invocations, _ := fx.store.ListInvocations(context.Background(), outcome.SessionID)
	if len(invocations) != 0 {
		t.Fatalf("unknown tool must not create an invocation")
	}
	history, _ := fx.store.Read(context.Background(), outcome.SessionID, 1)
	if history[2].Role != convo.RoleTool || !strings.Contains(history[2].ToolResult, "unknown tool") {
		t.Fatalf("expected tool-error message, got %+v", history[2])
	}
}

func TestRunInvalidArgumentsFeedsBackError(t *testing.T) {
	tool := &stubTool{
		name:   "get_balance",
		schema: balanceSchema(),
		invoke: func(context.Context, map[string]any) (tools.Result, error) {
			t.Fatal("validation failure must not reach the tool")
			return tools.Result{}, nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("get_balance", map[string]any{"address": 42}),
		answer("ok"),
	}}
	fx := newFixture(t, testDefinition("get_balance"), client, tool)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	invocations, _ := fx.store.ListInvocations(context.Background(), outcome.SessionID)
	if len(invocations) != 0 {
		t.Fatalf("invalid arguments must not create an invocation")
	}
	history, _ := fx.store.Read(context.Background(), outcome.SessionID, 1)
	if !strings.Contains(history[2].ToolResult, "invalid arguments") {
		t.Fatalf("expected invalid-arguments feedback, got %q", history[2].ToolResult)
	}
}

func TestRunSideEffectFailureSurfacedImmediately(t *testing.T) {
	deploy := &stubTool{
		name:       "deploy_contract",
		sideEffect: true,
		schema:     map[string]any{"type": "object"},
		invoke: func(context.Context, map[string]any) (tools.Result, error) {
			return tools.Result{}, xerrors.New(xerrors.CodeToolExecutionFailed, "nonce too low")
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("deploy_contract", map[string]any{}),
		answer("never reached"),
	}}
	fx := newFixture(t, testDefinition("deploy_contract"), client, deploy)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "deploy"})
	if xerrors.CodeOf(err) != xerrors.CodeToolExecutionFailed {
		t.Fatalf("expected TOOL_EXECUTION_FAILED, got %v", err)
	}
	if outcome != nil {
		t.Fatalf("failed run must not return an outcome")
	}
	if got := len(client.requests); got != 1 {
		t.Fatalf("side-effect failure must not loop back, provider calls = %d", got)
	}

	// 失败的副作用调用同样必须留下记录。
	sessions := fx.sessionIDs(t)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	invocations, _ := fx.store.ListInvocations(context.Background(), sessions[0])
	if len(invocations) != 1 || invocations[0].Error == "" || !invocations[0].SideEffect {
		t.Fatalf("side-effecting failure must be recorded: %+v", invocations)
	}

	session, _ := fx.store.GetSession(context.Background(), sessions[0])
	if session.Status != convo.SessionFailed {
		t.Fatalf("session status = %s, want failed", session.Status)
	}
}

func TestRunSideEffectRecordedBeforeNextProviderCall(t *testing.T) {
	var fx *fixture

	deploy := &stubTool{
		name:       "deploy_contract",
		sideEffect: true,
		schema:     map[string]any{"type": "object"},
		invoke: func(context.Context, map[string]any) (tools.Result, error) {
			return tools.Result{Content: "0xdeadbeef", Summary: "deployed"}, nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		toolCall("deploy_contract", map[string]any{}),
		func(llm.Request) (*llm.Response, error) {
			// 第二次模型调用前，副作用调用必须已经持久化。
			sessions := fx.store.SessionIDs()
			if len(sessions) != 1 {
				t.Fatalf("expected one session, got %d", len(sessions))
			}
			invocations, err := fx.store.ListInvocations(context.Background(), sessions[0])
			if err != nil {
				t.Fatalf("ListInvocations: %v", err)
			}
			if len(invocations) != 1 || invocations[0].Result != "0xdeadbeef" {
				t.Fatalf("side effect not durably recorded before next provider call: %+v", invocations)
			}
			return nil, xerrors.New(xerrors.CodeProviderRejected, "simulated crash")
		},
	}}
	fx = newFixture(t, testDefinition("deploy_contract"), client, deploy)

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "deploy"})
	if xerrors.CodeOf(err) != xerrors.CodeProviderRejected {
		t.Fatalf("expected PROVIDER_REJECTED, got %v", err)
	}
}

func TestRunMalformedResponseRepairedOnce(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		failWith(xerrors.CodeMalformedResponse, "empty payload"),
		answer("repaired"),
	}}
	fx := newFixture(t, testDefinition(), client)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Reply != "repaired" {
		t.Fatalf("reply = %q", outcome.Reply)
	}

	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "could not be parsed") {
		t.Fatalf("expected repair re-prompt, got %+v", last)
	}
}

func TestRunMalformedResponseSurfacedAfterRepair(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		failWith(xerrors.CodeMalformedResponse, "empty payload"),
	}}
	fx := newFixture(t, testDefinition(), client)

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if xerrors.CodeOf(err) != xerrors.CodeMalformedResponse {
		t.Fatalf("expected MALFORMED_RESPONSE, got %v", err)
	}
	if got := len(client.requests); got != 2 {
		t.Fatalf("exactly one repair attempt allowed, provider calls = %d", got)
	}
}

func TestRunResumeTerminatedSessionRejected(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("done")}}
	fx := newFixture(t, testDefinition(), client)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, err = fx.engine.Run(context.Background(), Request{SessionID: outcome.SessionID, Input: "again"})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict resuming a terminated session, got %v", err)
	}
}

func TestRunResumeContinuesHistory(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		answer("first"),
		answer("second"),
	}}
	fx := newFixture(t, testDefinition(), client)

	outcome, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "one"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 测试里人为重新激活会话，模拟继续对话的网关路径。
	if err := fx.store.SetSessionStatus(context.Background(), outcome.SessionID, convo.SessionActive); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}
	resumed, err := fx.engine.Run(context.Background(), Request{SessionID: outcome.SessionID, Input: "two"})
	if err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	if resumed.SessionID != outcome.SessionID {
		t.Fatalf("resume must reuse the session")
	}

	history, _ := fx.store.Read(context.Background(), outcome.SessionID, 1)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[3].Content != "second" {
		t.Fatalf("last message = %q", history[3].Content)
	}

	// 续写请求的上下文必须包含第一轮的消息。
	second := client.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("resume window length = %d, want 3", len(second.Messages))
	}
}

func TestRunConflictAbortsWithoutFailingSession(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("done")}}
	fx := newFixture(t, testDefinition(), client)

	conflicted := &conflictStore{Store: fx.store}
	fx.engine.store = conflicted

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "hi"})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	sessions := fx.sessionIDs(t)
	session, _ := fx.store.GetSession(context.Background(), sessions[0])
	if session.Status != convo.SessionActive {
		t.Fatalf("conflict must not fail the session, status = %s", session.Status)
	}
}

func TestRunUnknownAgent(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("done")}}
	fx := newFixture(t, testDefinition(), client)

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "ghost", Input: "hi"})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRunEmptyInputRejected(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("done")}}
	fx := newFixture(t, testDefinition(), client)

	_, err := fx.engine.Run(context.Background(), Request{AgentID: "researcher", Input: "   "})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid-argument, got %v", err)
	}
}

// conflictStore 在第二次 Append 时注入序号冲突，模拟并发写入者。
type conflictStore struct {
	convo.Store
	appends int
}

func (s *conflictStore) Append(ctx context.Context, sessionID string, msg convo.Message) (int64, error) {
	s.appends++
	if s.appends >= 2 {
		return 0, convo.ErrConflict
	}
	return s.Store.Append(ctx, sessionID, msg)
}

func (fx *fixture) sessionIDs(t *testing.T) []string {
	t.Helper()
	return fx.store.SessionIDs()
}
