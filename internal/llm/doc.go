// Package llm 定义了与大模型交互的统一抽象。
//
// 引擎只依赖 Client 接口：给定消息历史与可用工具声明，返回一个终态回答
// 或一组按序执行的工具调用。具体的 Provider 适配器（internal/llm/openai、
// internal/llm/anthropic）负责把统一的 Request/Response 翻译成各自的
// HTTP 协议，并把传输失败映射为统一错误码，使引擎的重试策略与具体
// Provider 解耦。
package llm
