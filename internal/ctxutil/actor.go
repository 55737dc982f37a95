package ctxutil

import "context"

// Actor names the caller in intervention audit trails as "role:operator_id".
// It returns "" when the context carries no claims.
func Actor(ctx context.Context) string {
	c := ClaimsFromContext(ctx)
	if c == nil {
		return ""
	}
	return c.Role + ":" + c.OperatorID
}
