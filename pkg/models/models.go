// Package models defines the shared wire and persistence models for
// VoiceBridge: the provider-agnostic event vocabulary, access tokens,
// webhook audit records, jobs, and provider settings.
package models

import "time"

// ── Standard Events ─────────────────────────────────────────

// EventType enumerates the closed, provider-agnostic event vocabulary.
// Every provider-specific event must map into this set or be dropped
// with a logged reason; UI code never observes a vendor event shape.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventUserSpeaking  EventType = "user_speaking"
	EventAgentSpeaking EventType = "agent_speaking"
	EventTranscript    EventType = "transcript"
	EventAgentResponse EventType = "agent_response"
	EventError         EventType = "error"
)

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// StandardEvent is the tagged variant delivered to UI code and persisted
// alongside webhook records. Only the fields relevant to the Type are set.
type StandardEvent struct {
	Type EventType `json:"type"`

	// user_speaking / agent_speaking
	Speaking bool `json:"speaking,omitempty"`

	// transcript
	Text    string  `json:"text,omitempty"`
	IsFinal bool    `json:"is_final,omitempty"`
	Speaker Speaker `json:"speaker,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Correlation with the originating call, when the vendor supplied one.
	CallID string `json:"call_id,omitempty"`
}

// ErrorEvent builds an error standard event.
func ErrorEvent(code, message string) StandardEvent {
	return StandardEvent{Type: EventError, Code: code, Message: message}
}

// ── Access Token ────────────────────────────────────────────

// AccessToken is a short-lived bearer credential scoped to one provider
// session. Never persisted; issued per call attempt; never contains the
// vendor API key.
type AccessToken struct {
	Token     string `json:"access_token"`
	ExpiresIn int    `json:"expires_in"`
	AgentID   string `json:"agent_id"`
	CallID    string `json:"call_id,omitempty"`
}

// TokenRequest carries the call options sent with a token mint request.
type TokenRequest struct {
	AgentID  string            `json:"agent_id,omitempty"`
	CallID   string            `json:"call_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ── Capabilities ────────────────────────────────────────────

// Capability names a feature a provider may support.
type Capability string

const (
	CapVoiceInput    Capability = "voice_input"
	CapVoiceOutput   Capability = "voice_output"
	CapTranscription Capability = "transcription"
	CapTextChat      Capability = "text_chat"
)

// CapabilitySet is the set of capabilities a provider adapter exposes.
// Callers feature-detect here before invoking optional operations.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is present.
func (c CapabilitySet) Has(cap Capability) bool { return c[cap] }

// ── Webhook Records ─────────────────────────────────────────

// AuthMethod describes how an inbound webhook was (or wasn't) verified.
type AuthMethod string

const (
	AuthHMAC   AuthMethod = "hmac"
	AuthAPIKey AuthMethod = "api_key"
	AuthNone   AuthMethod = "none"
)

// WebhookRecord is the audit row for one inbound vendor callback.
// RequestID is the idempotency key: a second delivery with the same id
// short-circuits to "already processed" without re-executing side effects.
// Processed is monotonic — it never reverts to false once set.
type WebhookRecord struct {
	RequestID      string     `json:"request_id"`
	Provider       string     `json:"provider"`
	EventType      string     `json:"event_type"`
	Payload        []byte     `json:"payload,omitempty"`
	AuthMethod     AuthMethod `json:"auth_method"`
	Verified       bool       `json:"verified"`
	Processed      bool       `json:"processed"`
	ResponseStatus int        `json:"response_status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// WebhookFilter narrows webhook record listings.
type WebhookFilter struct {
	Provider  string
	EventType string
	Verified  *bool
	Processed *bool
	Since     *time.Time
	Limit     int
}

// ── Jobs ────────────────────────────────────────────────────

// JobType enumerates the asynchronous work kinds tracked by the ledger.
type JobType string

const (
	JobTranscribe      JobType = "transcribe"
	JobTTS             JobType = "tts"
	JobProcessMedia    JobType = "process_media"
	JobWebhookCallback JobType = "webhook_callback"
)

// JobStatus enumerates ledger states. Completed is terminal; Failed is
// terminal once RetryCount has reached MaxRetries.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one asynchronous work item with bounded retry.
type Job struct {
	ID          string     `json:"job_id"`
	Type        JobType    `json:"job_type"`
	Status      JobStatus  `json:"status"`
	Payload     []byte     `json:"payload,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CallbackURL string     `json:"callback_url,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job must never be picked up again.
func (j *Job) Terminal() bool {
	if j.Status == JobCompleted {
		return true
	}
	return j.Status == JobFailed && j.RetryCount >= j.MaxRetries
}

// EventJobPayload is the payload carried by jobs enqueued from webhook
// dispatch: the normalized event plus enough context for the handler to
// act without re-reading the webhook record.
type EventJobPayload struct {
	Provider    string        `json:"provider"`
	CallbackURL string        `json:"callback_url,omitempty"`
	Event       StandardEvent `json:"event"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Type   JobType
	Status JobStatus
	Limit  int
}

// ── Provider Settings ───────────────────────────────────────

// ProviderSettings is the stored configuration for one provider identity.
// Credential values are vault ciphertext at rest; they are decrypted on
// demand by the adapter and never returned to a client-facing surface.
type ProviderSettings struct {
	Identity    string            `json:"identity"`
	Enabled     bool              `json:"enabled"`
	AgentID     string            `json:"agent_id"`
	Public      bool              `json:"public"`
	Credentials map[string]string `json:"credentials,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Sanitized returns a copy safe to hand to a client: credential values are
// replaced by presence markers so the settings UI can show completeness
// without ever seeing ciphertext or plaintext.
func (s ProviderSettings) Sanitized() ProviderSettings {
	out := s
	out.Credentials = make(map[string]string, len(s.Credentials))
	for k, v := range s.Credentials {
		if v != "" {
			out.Credentials[k] = "set"
		}
	}
	return out
}

// ProviderInfo is the public shape returned by GET /api/v1/providers.
type ProviderInfo struct {
	Success  bool            `json:"success"`
	Provider string          `json:"provider,omitempty"`
	Config   *ProviderConfig `json:"config,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ProviderConfig is the sanitized per-provider config a widget receives.
// It deliberately has no field that could carry a credential.
type ProviderConfig struct {
	AgentID  string `json:"agentId"`
	IsPublic bool   `json:"isPublic"`
	Provider string `json:"provider"`
}

// ── Call Log ────────────────────────────────────────────────

// CallStatus tracks the lifecycle of a logged call.
type CallStatus string

const (
	CallStarted CallStatus = "started"
	CallEnded   CallStatus = "ended"
	CallFailed  CallStatus = "failed"
)

// CallLog is the per-call audit row written at token issuance and closed
// by the call_ended webhook.
type CallLog struct {
	CallID    string     `json:"call_id"`
	Provider  string     `json:"provider"`
	AgentID   string     `json:"agent_id"`
	Status    CallStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
