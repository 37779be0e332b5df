package domain

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock held")
	ErrPoolSaturated      = errors.New("worker pool saturated")
	ErrPoolClosed         = errors.New("worker pool closed")
	ErrUnknownWorkerGroup = errors.New("unknown worker group")
	ErrInternal           = errors.New("internal error")
)

// ErrorSource tags where a failure originated.
type ErrorSource string

const (
	SourceNone           ErrorSource = ""
	SourceHTTP           ErrorSource = "HTTP"
	SourceCircuitBreaker ErrorSource = "CIRCUIT_BREAKER"
	SourceSystem         ErrorSource = "SYSTEM"
	SourceCallback       ErrorSource = "CALLBACK"
)

// Error codes carried on result records.
const (
	CodeCircuitOpen    = "CIRCUIT_OPEN"
	CodeTransport      = "TRANSPORT_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeProcessing     = "PROCESSING_ERROR"
	CodeSaveFailed     = "SAVE_FAILED"
)

// CompositeID joins tenant and request identifiers into the system-wide job key.
func CompositeID(companyID, requestID int64) string {
	return strconv.FormatInt(companyID, 10) + ":" + strconv.FormatInt(requestID, 10)
}

// JobRecord is an outbound-API job pulled from the record store.
// Invariants: immutable once produced; CompanyID and RequestID form the key.
type JobRecord struct {
	CompanyID         int64             `json:"companyId" validate:"required,gt=0"`
	RequestID         int64             `json:"requestId" validate:"required,gt=0"`
	FilialID          *int64            `json:"filialId,omitempty"`
	EndpointID        *int64            `json:"endpointId,omitempty"`
	BaseURL           string            `json:"baseUrl" validate:"required,url"`
	URI               string            `json:"uri,omitempty"`
	Params            string            `json:"params,omitempty"`
	Method            string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              string            `json:"body,omitempty"`
	OAuth2Provider    string            `json:"oauth2Provider,omitempty"`
	CallbackProcedure string            `json:"callbackProcedure,omitempty"`
	ProjectCode       string            `json:"projectCode,omitempty"`
	SourceTable       string            `json:"sourceTable,omitempty"`
	SourceID          *int64            `json:"sourceId,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// CompositeID returns the job key.
func (j JobRecord) CompositeID() string { return CompositeID(j.CompanyID, j.RequestID) }

// Outcome classifies a dispatch result.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeClientError    Outcome = "client_error"
	OutcomeRetryable      Outcome = "retryable"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeCircuitOpen    Outcome = "circuit_open"
	OutcomeInvalid        Outcome = "invalid"
)

// ResultRecord is the outcome of one dispatch attempt.
type ResultRecord struct {
	CompanyID    int64       `json:"companyId"`
	RequestID    int64       `json:"requestId"`
	HTTPStatus   int         `json:"httpStatus"`
	ContentType  string      `json:"contentType,omitempty"`
	Body         string      `json:"body,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	ErrorSource  ErrorSource `json:"errorSource,omitempty"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	ProcessedAt  time.Time   `json:"processedAt"`
}

// SuccessResult builds a result for a completed HTTP exchange.
func SuccessResult(job JobRecord, status int, contentType, body string) ResultRecord {
	return ResultRecord{
		CompanyID:   job.CompanyID,
		RequestID:   job.RequestID,
		HTTPStatus:  status,
		ContentType: contentType,
		Body:        body,
		ProcessedAt: time.Now().UTC(),
	}
}

// ErrorResult builds a failed result tagged with its source and code.
func ErrorResult(job JobRecord, status int, msg string, source ErrorSource, code string) ResultRecord {
	return ResultRecord{
		CompanyID:    job.CompanyID,
		RequestID:    job.RequestID,
		HTTPStatus:   status,
		ErrorMessage: msg,
		ErrorSource:  source,
		ErrorCode:    code,
		ProcessedAt:  time.Now().UTC(),
	}
}

// CompositeID returns the job key.
func (r ResultRecord) CompositeID() string { return CompositeID(r.CompanyID, r.RequestID) }

// IsSuccess reports a 2xx status without an error message.
func (r ResultRecord) IsSuccess() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300 && r.ErrorMessage == ""
}

// IsRetryable reports 429 or any 5xx status.
func (r ResultRecord) IsRetryable() bool {
	return r.HTTPStatus == 429 || r.HTTPStatus >= 500
}

// Outcome classifies the result for metrics and retry decisions.
func (r ResultRecord) Outcome() Outcome {
	switch {
	case r.ErrorSource == SourceCircuitBreaker:
		return OutcomeCircuitOpen
	case r.ErrorCode == CodeInvalidRequest:
		return OutcomeInvalid
	case r.ErrorCode == CodeTransport:
		return OutcomeTransportError
	case r.IsSuccess():
		return OutcomeSuccess
	case r.IsRetryable():
		return OutcomeRetryable
	default:
		return OutcomeClientError
	}
}

// CallbackEvent notifies downstream consumers that a result reached the record store.
type CallbackEvent struct {
	CompanyID         int64         `json:"companyId"`
	RequestID         int64         `json:"requestId"`
	CallbackProcedure string        `json:"callbackProcedure,omitempty"`
	Response          *ResultRecord `json:"response,omitempty"`
	ErrorMessage      string        `json:"errorMessage,omitempty"`
	SavedAt           time.Time     `json:"savedAt"`
}

// CompositeID returns the job key.
func (c CallbackEvent) CompositeID() string { return CompositeID(c.CompanyID, c.RequestID) }

// Message is one broker delivery. Ack marks it processed; it is safe to call
// from any goroutine and more than once.
type Message interface {
	Topic() string
	Partition() int32
	Offset() int64
	Key() []byte
	Value() []byte
	Header(name string) string
	Ack()
}

// Lease is a held idempotency lock.
type Lease interface {
	Key() string
	Release(ctx Context) error
}

// Ports

type StateStore interface {
	GetState(ctx Context, id string) (RequestState, bool, error)
	CreateInitialState(ctx Context, id string, partition int32, offset int64) (RequestState, error)
	UpdateStatus(ctx Context, id string, status RequestStatus) error
	MarkFailed(ctx Context, id, msg string, source ErrorSource) error
	IncrementAttempt(ctx Context, id string) (int, error)
	IsTerminal(ctx Context, id string) (bool, error)
	// TryLock returns acquired=false with a nil error when another holder owns the key.
	TryLock(ctx Context, id string) (Lease, bool, error)
}

type Publisher interface {
	PublishRequest(ctx Context, job JobRecord, attempt int) error
	PublishResult(ctx Context, res ResultRecord) error
	PublishCallback(ctx Context, ev CallbackEvent) error
	PublishDeadLetter(ctx Context, dl DeadLetter) error
}

type Dispatcher interface {
	// Dispatch never returns an error; failures are encoded in the result.
	Dispatch(ctx Context, job JobRecord) ResultRecord
}

type RecordStore interface {
	PullPending(ctx Context) ([]JobRecord, error)
	SaveResult(ctx Context, res ResultRecord) error
	SaveError(ctx Context, companyID, requestID int64, msg string) error
}

type DeadLetterArchive interface {
	Insert(ctx Context, dl DeadLetter) error
	ListRecent(ctx Context, limit int) ([]DeadLetter, error)
}

// Context is an alias to allow decoupling from std context in domain.
type Context = context.Context
