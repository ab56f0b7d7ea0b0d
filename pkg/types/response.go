package types

// Envelope is the uniform body returned by every API operation. Success
// responses carry Data and optional Warnings for secondary writes that did
// not complete; failures carry Error, Code and Message.
type Envelope struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
	Details  any      `json:"details,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// PageInfo accompanies list payloads that use cursor pagination.
type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	Limit      int    `json:"limit"`
}
