// Package fluxai is the HTTP client for the Flux AI service plus the canned
// responses served while the service is unavailable.
//
// Every operation runs behind a circuit breaker (see internal/circuitbreaker)
// and retries transient failures with bounded exponential backoff. The client
// does no caching; that is layered on top by the Guard.
package fluxai

// Operation names a remote operation. The names double as cache-key
// namespaces, breaker names and metric labels.
type Operation string

// Operation constants.
const (
	OpUploadFile     Operation = "upload_file"
	OpListFiles      Operation = "list_files"
	OpGetFile        Operation = "get_file"
	OpDeleteFile     Operation = "delete_file"
	OpChatCompletion Operation = "chat_completion"
)

// Operations lists every known operation in a stable order.
func Operations() []Operation {
	return []Operation{OpUploadFile, OpListFiles, OpGetFile, OpDeleteFile, OpChatCompletion}
}

// IsWrite reports whether op mutates remote state. Writes are never cached.
func (op Operation) IsWrite() bool {
	return op == OpUploadFile || op == OpDeleteFile
}

// File describes a document stored by the AI service.
type File struct {
	ID        string   `json:"id"`
	Filename  string   `json:"filename,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Size      int64    `json:"size,omitempty"`
	Status    string   `json:"status,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

// UploadFileRequest is the input to UploadFile. Content is held in memory so
// the multipart body can be rebuilt for each retry attempt.
type UploadFileRequest struct {
	Filename string   `json:"filename"`
	Content  []byte   `json:"-"`
	Tags     []string `json:"tags,omitempty"`
}

// UploadFileResponse is returned by POST /v1/files.
type UploadFileResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Data     []File `json:"data"`
	Degraded bool   `json:"degraded,omitempty"`
}

// ListFilesResponse is returned by GET /v1/files.
type ListFilesResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Data     []File `json:"data"`
	Count    int    `json:"count"`
	Degraded bool   `json:"degraded,omitempty"`
}

// GetFileResponse is returned by GET /v1/files/{id}.
type GetFileResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Data     *File  `json:"data"`
	Degraded bool   `json:"degraded,omitempty"`
}

// DeleteFileResponse is returned by DELETE /v1/files/{id}.
type DeleteFileResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat modes understood by the service.
const (
	ModeRAG     = "rag"
	ModeSummary = "summary"
	ModeQuery   = "query"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Messages    []Message      `json:"messages"`
	Stream      bool           `json:"stream"`
	Attachments map[string]any `json:"attachments,omitempty"`
	Preamble    string         `json:"preamble,omitempty"`
	Model       string         `json:"model,omitempty"`
	Mode        string         `json:"mode,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage holds token counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is returned by POST /v1/chat/completions.
type ChatCompletionResponse struct {
	ID       string   `json:"id"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Content returns the first choice's message content, or "".
func (r *ChatCompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// IsDegraded reports whether the response is a fallback.
func (r *UploadFileResponse) IsDegraded() bool { return r != nil && r.Degraded }

// IsDegraded reports whether the response is a fallback.
func (r *ListFilesResponse) IsDegraded() bool { return r != nil && r.Degraded }

// IsDegraded reports whether the response is a fallback.
func (r *GetFileResponse) IsDegraded() bool { return r != nil && r.Degraded }

// IsDegraded reports whether the response is a fallback.
func (r *DeleteFileResponse) IsDegraded() bool { return r != nil && r.Degraded }

// IsDegraded reports whether the response is a fallback.
func (r *ChatCompletionResponse) IsDegraded() bool { return r != nil && r.Degraded }

// UnavailableResponse is the fallback for operations without a dedicated
// canned response.
type UnavailableResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Degraded bool   `json:"degraded"`
}

// IsDegraded reports whether the response is a fallback.
func (r *UnavailableResponse) IsDegraded() bool { return r != nil && r.Degraded }
