// Package api exposes the REST gateway for driving agents: synchronous chat,
// asynchronous run submission and inspection, session history retrieval, and
// operational endpoints such as health and metrics.
package api
