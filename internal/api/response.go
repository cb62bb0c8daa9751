package api

// Envelope is the standard API response shape
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a machine-readable code with a human message
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK wraps data in a success envelope
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Error builds an error envelope
func Error(code, message string) Envelope {
	return Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}}
}
