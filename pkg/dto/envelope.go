package dto

// Envelope is the uniform response body every endpoint returns. Clients
// branch on status and status_code without inspecting HTTP plumbing.
type Envelope struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Data       any    `json:"data,omitempty"`
}

func OK(code int, message string, data any) Envelope {
	return Envelope{Status: "success", Message: message, StatusCode: code, Data: data}
}

func Err(code int, message string) Envelope {
	return Envelope{Status: "error", Message: message, StatusCode: code}
}
