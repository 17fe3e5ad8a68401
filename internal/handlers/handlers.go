// Package handlers wires the HTTP API onto the sync services. Every handler
// is a thin translation layer: bind, validate, call the service, map the
// domain error onto a status code.
package handlers

import (
	"context"

	"waresync/internal/common"
)

// operatorID prefers the authenticated identity over whatever the request
// body claims.
func operatorID(ctx context.Context, fromBody string) string {
	if id, ok := common.GetOperatorIDFromContext(ctx); ok && id != "" {
		return id
	}
	return fromBody
}
