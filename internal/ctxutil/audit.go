package ctxutil

// AuditMeta carries the metadata needed to build an AuditEntry.
// It lives in ctxutil so both server and mcp packages can populate it
// without circular imports.
type AuditMeta struct {
	RequestID  string
	UserID     string
	UserEmail  string
	Role       string
	HTTPMethod string
	Endpoint   string
	SourceIP   string
}
