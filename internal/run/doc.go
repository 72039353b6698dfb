// Package run 提供异步执行通道：提交的请求先持久化再入队，
// 由工作协程领取后交给编排引擎执行，可重试的失败会重新排队。
// 队列实现可选内存、Redis 或 RabbitMQ。
package run
