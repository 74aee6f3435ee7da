package common

import "time"

const (
	// MaxRequestBody limits JSON request bodies for survey endpoints.
	MaxRequestBody = 1 << 20
	// StreamHeartbeat is how often an idle results stream sends a keep-alive comment.
	StreamHeartbeat = 25 * time.Second
	// DefaultListLimit と MaxListLimit は一覧 API の limit クエリの既定値と上限。
	DefaultListLimit = 50
	MaxListLimit     = 200
)
