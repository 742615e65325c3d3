// Package models defines the core data structures for Helena.
//
// It includes the API envelope, chat request/response shapes, sessions,
// conversation state and inferred risks, which are shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for chat input.
const (
	// MaxMessageLength defines the maximum allowed length for an inbound chat message
	MaxMessageLength = 8192
	// MaxIdentifierLength defines the maximum allowed length for session and request ids
	MaxIdentifierLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage      = errors.New("message cannot be empty")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrIdentifierTooLong = errors.New("identifier exceeds maximum length")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Detail  string      `json:"detail,omitempty"`  // diagnostic detail, only populated outside production
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithDetail sets the diagnostic detail of the API response.
func (b *APIResponseBuilder) WithDetail(detail string) *APIResponseBuilder {
	b.response.Detail = detail
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithDetail creates an error API response carrying diagnostic detail.
func ErrorWithDetail(message, detail string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithDetail(detail).
		Build()
}

// ChatRequest is the inbound payload of the chat endpoint.
type ChatRequest struct {
	Message   string `json:"message" validate:"required,max=8192"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
	RequestID string `json:"request_id,omitempty" validate:"omitempty,max=128"`
	UserID    string `json:"-"`
}

// Validate performs structural validation on a ChatRequest.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if len(r.SessionID) > MaxIdentifierLength || len(r.RequestID) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	return nil
}

// ChatMetadata identifies the agent that produced a response.
type ChatMetadata struct {
	AgentVersion string `json:"agent_version"`
	AgentName    string `json:"agent_name"`
}

// ChatResponse is the outbound payload of the chat endpoint.
type ChatResponse struct {
	ResponseText      string                 `json:"response_text"`
	SessionID         string                 `json:"session_id"`
	RequestID         string                 `json:"request_id"`
	ActiveProduct     string                 `json:"active_product"`
	AvailableProducts []string               `json:"available_products"`
	Progress          string                 `json:"progress,omitempty"`
	SuggestedProduct  string                 `json:"suggested_product,omitempty"`
	UIDirectiveType   string                 `json:"ui_directive_type,omitempty"`
	UIDirectiveData   map[string]interface{} `json:"ui_directive_data,omitempty"`
	ExtractedFields   map[string]interface{} `json:"extracted_fields,omitempty"`
	Badge             string                 `json:"badge,omitempty"`
	Error             string                 `json:"error,omitempty"`
	Metadata          ChatMetadata           `json:"metadata"`
}
