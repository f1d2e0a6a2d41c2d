package server

import (
	"errors"
	"net/http"

	"stream-failover/internal/api"
)

// writeMiddlewareError writes middleware rejections in the API error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
