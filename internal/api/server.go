package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentHive-Chain/internal/agentdef"
	"AgentHive-Chain/internal/auth"
	"AgentHive-Chain/internal/convo"
	"AgentHive-Chain/internal/engine"
	xerrors "AgentHive-Chain/internal/errors"
	"AgentHive-Chain/internal/observability/metrics"
	"AgentHive-Chain/internal/run"
)

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr   string
	engine *engine.Engine
	runs   *run.Service
	agents *agentdef.Registry
	store  convo.Store
	auth   *auth.Service
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithAuth 启用请求认证中间件。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, eng *engine.Engine, runs *run.Service, agents *agentdef.Registry, store convo.Store, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		engine: eng,
		runs:   runs,
		agents: agents,
		store:  store,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 组装全部路由，便于测试时直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/chat", s.protected(s.instrument("chat", s.handleChat)))
	mux.Handle("/api/v1/runs", s.protected(s.instrument("runs", s.handleRuns)))
	mux.Handle("/api/v1/runs/", s.protected(s.instrument("run_detail", s.handleRunDetail)))
	mux.Handle("/api/v1/sessions/", s.protected(s.instrument("session_detail", s.handleSessionDetail)))
	mux.Handle("/api/v1/agents", s.protected(s.instrument("agents", s.handleAgents)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// protected 在启用认证时按方法校验权限范围。
func (s *Server) protected(next http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return next
	}
	middleware := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredScopes: map[string][]string{
			http.MethodGet:  {"api:read"},
			http.MethodPost: {"api:write"},
		},
	})
	return middleware(next)
}

// instrument 记录每条路由的请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Input     string `json:"input"`
}

type chatResponse struct {
	SessionID  string              `json:"session_id"`
	AgentID    string              `json:"agent_id"`
	Status     convo.SessionStatus `json:"status"`
	Reply      string              `json:"reply"`
	Iterations int                 `json:"iterations"`
	Retries    int                 `json:"retries"`
}

// handleChat 同步执行一次编排并返回最终回复。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "only POST is supported")
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "engine not initialised")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "invalid request body")
		return
	}
	outcome, err := s.engine.Run(r.Context(), engine.Request{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Input:     req.Input,
	})
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:  outcome.SessionID,
		AgentID:    outcome.AgentID,
		Status:     outcome.Status,
		Reply:      outcome.Reply,
		Iterations: outcome.Iterations,
		Retries:    outcome.Retries,
	})
}

// handleRuns 处理异步执行的提交与列表查询。
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "only GET/POST is supported")
	}
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "run service not initialised")
		return
	}
	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "invalid request body")
		return
	}
	created, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "run service not initialised")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}
	results, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": results})
}

// handleRunDetail 处理单个执行的查询，同时承载 stats 子路径。
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "only GET is supported")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "run service not initialised")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "run id is required")
		return
	}
	if id == "stats" {
		opts, err := parseListOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
			return
		}
		stats, err := s.runs.Stats(r.Context(), opts...)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	result, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSessionDetail 返回会话元数据、消息历史或工具调用记录。
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "only GET is supported")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "conversation store not initialised")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "session id is required")
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	ctx := r.Context()
	switch sub {
	case "":
		session, err := s.store.GetSession(ctx, id)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "messages":
		fromSeq := int64(0)
		if raw := r.URL.Query().Get("from_seq"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "invalid from_seq")
				return
			}
			fromSeq = parsed
		}
		messages, err := s.store.Read(ctx, id, fromSeq)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	case "invocations":
		invocations, err := s.store.ListInvocations(ctx, id)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invocations": invocations})
	default:
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "unknown session resource")
	}
}

// handleAgents 返回已注册的全部智能体定义。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "only GET is supported")
		return
	}
	if s.agents == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "agent registry not initialised")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 将查询参数翻译成 run 包的列表选项。
func parseListOptions(r *http.Request) ([]run.ListOption, error) {
	query := r.URL.Query()
	var opts []run.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("invalid limit")
		}
		opts = append(opts, run.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("invalid offset")
		}
		opts = append(opts, run.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []run.Status
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(part))
			if !run.IsValidStatus(status) {
				return nil, errors.New("invalid status: " + string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := query.Get("agent_id"); raw != "" {
		opts = append(opts, run.WithAgentID(raw))
	}
	if raw := query.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, run.WithSortOrder(run.SortByUpdatedDesc))
		default:
			return nil, errors.New("invalid order: " + raw)
		}
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, run.WithQuery(raw))
	}
	return opts, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeCodedError 将领域错误码映射为 HTTP 状态码。
func writeCodedError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeError(w, statusForCode(code), code, err.Error())
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound, run.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, run.CodeRunConflict:
		return http.StatusConflict
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidArguments, run.CodeRunValidation:
		return http.StatusBadRequest
	case xerrors.CodeProviderUnavailable, xerrors.CodeTimeout:
		return http.StatusServiceUnavailable
	case xerrors.CodeProviderRejected, xerrors.CodeMalformedResponse,
		xerrors.CodeLoopLimitExceeded, xerrors.CodeToolExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder 捕获响应状态码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
