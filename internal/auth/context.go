package auth

import "context"

type ctxKey int

// subjectCtxKey 标记请求上下文中携带的已认证主体。
const subjectCtxKey ctxKey = iota

// WithSubject 把认证通过的主体挂到请求上下文，供下游处理器读取。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectCtxKey, subject)
}

// SubjectFromContext 取出上下文中的主体，未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectCtxKey).(*Subject)
	return subject
}
