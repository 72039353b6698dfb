package llm

import (
	"context"
	stdErrors "errors"
	"net"
	"net/http"

	xerrors "AgentHive-Chain/internal/errors"
)

// ClassifyTransportError 将传输层错误归类为统一错误码。
// 网络与超时错误视为可重试的 PROVIDER_UNAVAILABLE。
func ClassifyTransportError(err error, message string) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, message)
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, message)
	}
	return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, message)
}

// ClassifyStatus 将 HTTP 状态码归类为统一错误码。
// 5xx 视为暂时不可用；4xx（额度、内容策略等）视为被 Provider 拒绝，不重试。
func ClassifyStatus(status int) xerrors.Code {
	if status >= http.StatusInternalServerError {
		return xerrors.CodeProviderUnavailable
	}
	return xerrors.CodeProviderRejected
}
