package requestid

import (
	"context"
	"net/http"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/util"
)

// HeaderKey carries the request id on both requests and responses. It is the key opentelemetry uses too.
const HeaderKey = "X-Request-Id"

type contextKey struct{}

// FromContext returns the request id stored by Handler, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// FromContextOrMissing returns the request id stored by Handler or the string "missing".
func FromContextOrMissing(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return "missing"
}

// Handler makes sure every request has an id, generating one when the caller sent none, and echoes it on the
// response. Handlers reach it through FromContext and through the requestId field of flowcontext's logger.
func Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderKey)
		if id == "" {
			id = util.NewULID()
		}
		w.Header().Set(HeaderKey, id)
		ctx := context.WithValue(r.Context(), contextKey{}, id)
		ctx = flowcontext.WithLogField(flowcontext.FromContext(ctx), "requestId", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
