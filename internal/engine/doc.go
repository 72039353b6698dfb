// Package engine 实现智能体编排的核心状态机。
//
// 一次执行从 Idle 开始：加载会话历史后进入 AwaitingProvider 调用模型；
// 模型给出最终回答则进入 Answering 并以 Completed 终止；模型请求工具
// 调用则进入 ToolCalling，按返回顺序依次执行后回到 AwaitingProvider。
// 循环次数受智能体定义约束，超限以 LoopLimitExceeded 失败终止。
// 终态是吸收态，已终止的会话只能读取，不能继续推进。
package engine
