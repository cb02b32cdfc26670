package fluxai

// Fallback messages.
const (
	msgUploadUnavailable = "Unable to upload file to AI service at this time. The file has been stored locally and will be processed when the service is available."
	msgListUnavailable   = "Unable to fetch files from AI service at this time."
	msgGetUnavailable    = "Unable to fetch file details from AI service at this time."
	msgDeleteUnavailable = "Unable to delete file from AI service at this time. The operation will be retried later."
	msgChatUnavailable   = "I'm sorry, but the AI service is currently unavailable. Your request has been saved and will be processed when the service is back online."
	msgUnavailable       = "Service unavailable. Please try again later."

	// FallbackChatID is the id carried by the canned chat completion.
	FallbackChatID = "fallback_response"
	// FallbackModel is the model name carried by the canned chat completion.
	FallbackModel = "fallback"
)

// Fallback returns the canned response for op. req is accepted for parity
// with the real call and ignored; any value (including nil) is fine. Unknown
// operations get an *UnavailableResponse.
func Fallback(op Operation, _ any) any {
	switch op {
	case OpUploadFile:
		return FallbackUpload()
	case OpListFiles:
		return FallbackListFiles()
	case OpGetFile:
		return FallbackGetFile()
	case OpDeleteFile:
		return FallbackDeleteFile()
	case OpChatCompletion:
		return FallbackChatCompletion()
	default:
		return &UnavailableResponse{Success: false, Message: msgUnavailable, Degraded: true}
	}
}

// FallbackUpload is the degraded response for UploadFile.
func FallbackUpload() *UploadFileResponse {
	return &UploadFileResponse{Success: false, Message: msgUploadUnavailable, Data: []File{}, Degraded: true}
}

// FallbackListFiles is the degraded response for ListFiles: an empty list.
func FallbackListFiles() *ListFilesResponse {
	return &ListFilesResponse{Success: false, Message: msgListUnavailable, Data: []File{}, Count: 0, Degraded: true}
}

// FallbackGetFile is the degraded response for GetFile.
func FallbackGetFile() *GetFileResponse {
	return &GetFileResponse{Success: false, Message: msgGetUnavailable, Data: nil, Degraded: true}
}

// FallbackDeleteFile is the degraded response for DeleteFile.
func FallbackDeleteFile() *DeleteFileResponse {
	return &DeleteFileResponse{Success: false, Message: msgDeleteUnavailable, Degraded: true}
}

// FallbackChatCompletion is the degraded response for ChatCompletion: one
// assistant message explaining the outage, zero usage.
func FallbackChatCompletion() *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      FallbackChatID,
		Created: 0,
		Model:   FallbackModel,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: msgChatUnavailable},
			FinishReason: "stop",
		}},
		Usage:    Usage{},
		Success:  false,
		Message:  msgUnavailable,
		Degraded: true,
	}
}
