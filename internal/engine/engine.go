package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentHive-Chain/internal/agentdef"
	"AgentHive-Chain/internal/convo"
	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/llm"
	"AgentHive-Chain/internal/observability/metrics"
	"AgentHive-Chain/internal/tools"
	"AgentHive-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Request 描述一次编排执行：在已有会话上继续，或新建会话。
type Request struct {
	SessionID string
	AgentID   string
	Input     string
}

// Outcome 汇总一次编排执行的终态结果。
type Outcome struct {
	SessionID  string
	AgentID    string
	Status     convo.SessionStatus
	Reply      string
	Iterations int
	Retries    int
}

// Engine 驱动智能体的推理循环：加载定义、调用模型、执行工具调用、
// 持久化会话历史。Engine 自身不持有后台 goroutine，每次 Run 都在
// 调用方的 goroutine 内同步完成。
type Engine struct {
	agents    *agentdef.Registry
	tools     *tools.Registry
	store     convo.Store
	providers map[string]llm.Client

	providerTimeout time.Duration
	toolTimeout     time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	log             *slog.Logger
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithProviderTimeout 设置单次模型调用的超时时间。
func WithProviderTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.providerTimeout = timeout
		}
	}
}

// WithToolTimeout 设置单次工具执行的超时时间。
func WithToolTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.toolTimeout = timeout
		}
	}
}

const (
	defaultProviderTimeout = 60 * time.Second
	defaultToolTimeout     = 30 * time.Second
)

// New 创建编排引擎。providers 以名称索引模型客户端，
// 具体选择哪个由智能体定义决定。
func New(agents *agentdef.Registry, registry *tools.Registry, store convo.Store, providers map[string]llm.Client, opts ...Option) *Engine {
	eng := &Engine{
		agents:          agents,
		tools:           registry,
		store:           store,
		providers:       providers,
		providerTimeout: defaultProviderTimeout,
		toolTimeout:     defaultToolTimeout,
		sleep:           sleepContext,
		log:             logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(eng)
		}
	}
	return eng
}

// sessionState 跟踪一次执行内的会话历史与下一个可用序号。
type sessionState struct {
	session *convo.Session
	history []convo.Message
	nextSeq int64
}

// Run 执行一次完整的编排循环直到终态。循环次数受智能体定义的
// MaxIterations 约束，超限以 LOOP_LIMIT_EXCEEDED 终止。
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "输入内容不能为空")
	}

	state, def, err := e.prepareSession(ctx, req)
	if err != nil {
		return nil, err
	}

	client, ok := e.providers[def.Provider]
	if !ok || client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("未配置模型提供方 %s", def.Provider))
	}

	// 用户输入先落库，后续所有进展都建立在持久化历史之上。
	if err := e.append(ctx, state, convo.Message{Role: convo.RoleUser, Content: req.Input}); err != nil {
		return nil, err
	}

	outcome := &Outcome{SessionID: state.session.ID, AgentID: def.ID}
	decls := e.tools.Declarations(def.Tools)

	for iteration := 1; iteration <= def.MaxIterations; iteration++ {
		outcome.Iterations = iteration

		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "编排循环被取消")
		}

		window := BuildWindow(state.history, WindowPolicy{MaxMessages: def.MemoryWindow})
		resp, retries, err := e.callProvider(ctx, client, def, window, decls)
		outcome.Retries += retries
		if err != nil {
			return nil, e.failSession(ctx, state, outcome, err)
		}

		if resp.FinalAnswer() {
			if err := e.append(ctx, state, convo.Message{Role: convo.RoleAssistant, Content: resp.Text}); err != nil {
				return nil, err
			}
			if err := e.store.SetSessionStatus(ctx, state.session.ID, convo.SessionCompleted); err != nil {
				e.log.Error("更新会话状态失败", slog.Any("error", err), slog.String("session_id", state.session.ID))
			}
			outcome.Status = convo.SessionCompleted
			outcome.Reply = resp.Text
			metrics.ObserveSessionOutcome(def.ID, string(convo.SessionCompleted))
			return outcome, nil
		}

		if err := e.executeToolCalls(ctx, state, def, resp); err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeConflict {
				return nil, err
			}
			return nil, e.failSession(ctx, state, outcome, err)
		}
	}

	err = xerrors.New(xerrors.CodeLoopLimitExceeded,
		fmt.Sprintf("编排循环超过上限 %d 次仍未收敛", def.MaxIterations))
	return nil, e.failSession(ctx, state, outcome, err)
}

// prepareSession 新建或恢复会话，并加载既有历史。
func (e *Engine) prepareSession(ctx context.Context, req Request) (*sessionState, *agentdef.Definition, error) {
	if req.SessionID == "" {
		if strings.TrimSpace(req.AgentID) == "" {
			return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "新会话必须指定智能体")
		}
		def, err := e.agents.Resolve(req.AgentID)
		if err != nil {
			return nil, nil, err
		}
		session := &convo.Session{
			ID:      uuid.NewString(),
			AgentID: def.ID,
			Status:  convo.SessionActive,
		}
		if err := e.store.CreateSession(ctx, session); err != nil {
			return nil, nil, err
		}
		return &sessionState{session: session, nextSeq: 1}, def, nil
	}

	session, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != convo.SessionActive {
		return nil, nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("会话 %s 已终止，无法继续", session.ID))
	}
	if req.AgentID != "" && req.AgentID != session.AgentID {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "会话的智能体不可更换")
	}
	def, err := e.agents.Resolve(session.AgentID)
	if err != nil {
		return nil, nil, err
	}

	history, err := e.store.Read(ctx, session.ID, 1)
	if err != nil {
		return nil, nil, err
	}
	nextSeq := int64(1)
	if len(history) > 0 {
		nextSeq = history[len(history)-1].Seq + 1
	}
	return &sessionState{session: session, history: history, nextSeq: nextSeq}, def, nil
}

// callProvider 调用模型并对 PROVIDER_UNAVAILABLE 做有界指数退避重试。
// 对无法解析的响应允许一次本地修复性重问，仍失败则原样上报。
func (e *Engine) callProvider(ctx context.Context, client llm.Client, def *agentdef.Definition, window []llm.Message, decls []llm.ToolDecl) (*llm.Response, int, error) {
	req := llm.Request{
		Model:        def.Model,
		Instructions: def.Instructions,
		Messages:     window,
		Tools:        decls,
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
	}

	retries := 0
	repaired := false
	for attempt := 1; ; attempt++ {
		resp, err := e.generateOnce(ctx, client, req)
		if err == nil {
			return resp, retries, nil
		}

		switch xerrors.CodeOf(err) {
		case xerrors.CodeProviderUnavailable:
			if attempt >= def.Retry.MaxAttempts {
				return nil, retries, err
			}
			backoff := def.Retry.BackoffBase << (attempt - 1)
			e.log.Warn("模型服务暂不可用，准备重试",
				slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.Any("error", err))
			if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
				return nil, retries, xerrors.Wrap(xerrors.CodeTimeout, sleepErr, "退避等待被取消")
			}
			retries++
		case xerrors.CodeMalformedResponse:
			if repaired {
				return nil, retries, err
			}
			repaired = true
			req.Messages = append(append([]llm.Message(nil), window...), llm.Message{
				Role:    llm.RoleUser,
				Content: "Your previous reply could not be parsed. Respond again with either a plain final answer or well-formed tool calls.",
			})
		default:
			return nil, retries, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, retries, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "模型调用被取消")
		}
	}
}

func (e *Engine) generateOnce(ctx context.Context, client llm.Client, req llm.Request) (*llm.Response, error) {
	callCtx := ctx
	if e.providerTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
	}
	return client.Generate(callCtx, req)
}

// executeToolCalls 按模型返回的顺序依次执行工具调用。
// 白名单之外的调用不会触达工具实现，只合成一条工具错误消息反馈给模型。
func (e *Engine) executeToolCalls(ctx context.Context, state *sessionState, def *agentdef.Definition, resp *llm.Response) error {
	for index, call := range resp.ToolCalls {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "工具执行被取消")
		}

		record := &convo.ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
		if record.ID == "" {
			record.ID = uuid.NewString()
		}

		content := ""
		if index == 0 {
			content = resp.Text
		}
		if err := e.append(ctx, state, convo.Message{
			Role:     convo.RoleAssistant,
			Content:  content,
			ToolCall: record,
		}); err != nil {
			return err
		}
		triggerSeq := state.history[len(state.history)-1].Seq

		if !def.AllowsTool(call.Name) {
			e.log.Warn("拒绝白名单之外的工具调用",
				slog.String("session_id", state.session.ID), slog.String("tool", call.Name))
			if err := e.appendToolError(ctx, state, record,
				fmt.Sprintf("tool %q is not allowed for this agent", call.Name)); err != nil {
				return err
			}
			continue
		}

		contract, err := e.tools.Resolve(call.Name)
		if err != nil {
			if appendErr := e.appendToolError(ctx, state, record,
				fmt.Sprintf("unknown tool %q", call.Name)); appendErr != nil {
				return appendErr
			}
			continue
		}

		if err := tools.ValidateArguments(contract.Schema(), call.Arguments); err != nil {
			if appendErr := e.appendToolError(ctx, state, record,
				fmt.Sprintf("invalid arguments for %q: %v", call.Name, err)); appendErr != nil {
				return appendErr
			}
			continue
		}

		result, duration, invokeErr := e.invokeTool(ctx, contract, call.Arguments)
		metrics.ObserveToolInvocation(call.Name, invokeErr != nil)
		invocation := convo.ToolInvocation{
			ID:         uuid.NewString(),
			SessionID:  state.session.ID,
			TriggerSeq: triggerSeq,
			Tool:       call.Name,
			Arguments:  call.Arguments,
			SideEffect: contract.SideEffecting(),
			DurationMs: duration.Milliseconds(),
		}

		resultMsg := convo.Message{Role: convo.RoleTool, ToolCall: record}
		if invokeErr != nil {
			invocation.Error = invokeErr.Error()
			resultMsg.ToolResult = fmt.Sprintf("tool %q failed: %v", call.Name, invokeErr)
		} else {
			invocation.Result = result.Content
			resultMsg.ToolResult = result.Content
		}

		// 调用记录与结果消息在同一事务内落库，任何副作用在引擎
		// 做下一步动作之前都已经持久化。
		if err := e.appendWithInvocation(ctx, state, resultMsg, invocation); err != nil {
			return err
		}

		if invokeErr != nil && contract.SideEffecting() {
			return xerrors.Wrap(xerrors.CodeToolExecutionFailed, invokeErr,
				fmt.Sprintf("副作用工具 %s 执行失败", call.Name))
		}
	}
	return nil
}

func (e *Engine) invokeTool(ctx context.Context, contract tools.Contract, args map[string]any) (tools.Result, time.Duration, error) {
	callCtx := ctx
	if e.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := contract.Invoke(callCtx, args)
	return result, time.Since(start), err
}

// append 以乐观序号追加一条消息。冲突说明有并发写入者抢先推进了会话，
// 此时重载历史并放弃本次执行，绝不盲目重试。
func (e *Engine) append(ctx context.Context, state *sessionState, msg convo.Message) error {
	msg.Seq = state.nextSeq
	seq, err := e.store.Append(ctx, state.session.ID, msg)
	if err != nil {
		return e.handleAppendError(ctx, state, err)
	}
	msg.Seq = seq
	state.history = append(state.history, msg)
	state.nextSeq = seq + 1
	return nil
}

func (e *Engine) appendWithInvocation(ctx context.Context, state *sessionState, msg convo.Message, inv convo.ToolInvocation) error {
	msg.Seq = state.nextSeq
	seq, err := e.store.AppendWithInvocation(ctx, state.session.ID, msg, inv)
	if err != nil {
		return e.handleAppendError(ctx, state, err)
	}
	msg.Seq = seq
	state.history = append(state.history, msg)
	state.nextSeq = seq + 1
	return nil
}

func (e *Engine) appendToolError(ctx context.Context, state *sessionState, record *convo.ToolCallRecord, text string) error {
	return e.append(ctx, state, convo.Message{
		Role:       convo.RoleTool,
		ToolCall:   record,
		ToolResult: text,
	})
}

func (e *Engine) handleAppendError(ctx context.Context, state *sessionState, err error) error {
	if stdErrors.Is(err, convo.ErrConflict) || xerrors.CodeOf(err) == xerrors.CodeConflict {
		if history, readErr := e.store.Read(ctx, state.session.ID, 1); readErr == nil {
			state.history = history
			if len(history) > 0 {
				state.nextSeq = history[len(history)-1].Seq + 1
			}
		}
		return xerrors.Wrap(xerrors.CodeConflict, err, "会话被并发推进，本次执行已放弃")
	}
	return err
}

// failSession 将会话标记为失败并原样返回触发失败的错误。
// 已经持久化的消息与调用记录保持不变，供事后审计。
func (e *Engine) failSession(ctx context.Context, state *sessionState, outcome *Outcome, cause error) error {
	if err := e.store.SetSessionStatus(ctx, state.session.ID, convo.SessionFailed); err != nil {
		e.log.Error("更新会话状态失败", slog.Any("error", err), slog.String("session_id", state.session.ID))
	}
	outcome.Status = convo.SessionFailed
	metrics.ObserveSessionOutcome(outcome.AgentID, string(convo.SessionFailed))
	e.log.Warn("会话以失败终止",
		slog.String("session_id", state.session.ID),
		slog.Int("iterations", outcome.Iterations),
		slog.Any("error", cause))
	return cause
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
