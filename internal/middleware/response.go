package middleware

import (
	"net/http"

	"github.com/openclaw/device-gateway/internal/httputil"
)

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
