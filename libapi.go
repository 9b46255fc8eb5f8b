package streamflow

import (
	"context"

	runtimepkg "github.com/drblury/streamflow/internal/runtime"
	codecpkg "github.com/drblury/streamflow/internal/runtime/codec"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	idspkg "github.com/drblury/streamflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/streamflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/streamflow/internal/runtime/transport"
	newtransport "github.com/drblury/streamflow/transport"
	_ "github.com/drblury/streamflow/transport/transports"
)

type (
	Config             = configpkg.Config
	Broker             = runtimepkg.Broker
	BrokerDependencies = runtimepkg.BrokerDependencies
	BrokerStatus       = runtimepkg.BrokerStatus
	ResourceUsage      = runtimepkg.ResourceUsage
	Router             = runtimepkg.Router
	RouterOption       = runtimepkg.RouterOption
	Transport          = transportpkg.Transport
	TransportFactory   = transportpkg.Factory

	Envelope = envelopepkg.Envelope
	Item     = envelopepkg.Item

	Handler          = runtimepkg.Handler
	Message[T any]   = runtimepkg.Message[T]
	Subscriber       = runtimepkg.Subscriber
	SubscriberOption = runtimepkg.SubscriberOption
	SubscriberState  = runtimepkg.SubscriberState
	Publisher        = runtimepkg.Publisher
	PublisherOption  = runtimepkg.PublisherOption
	PublishOption    = runtimepkg.PublishOption
	Recorder         = runtimepkg.Recorder
	Producer         = runtimepkg.Producer
	ProducerFunc     = runtimepkg.ProducerFunc

	Source        = runtimepkg.Source
	BatchSource   = runtimepkg.BatchSource
	PatternSource = runtimepkg.PatternSource
	SourceOption  = runtimepkg.SourceOption

	Codec           = codecpkg.Codec
	Validator       = codecpkg.Validator
	DefaultCodec    = codecpkg.Default
	CodecOption     = codecpkg.Option
	StructValidator = codecpkg.StructValidator

	Middleware             = runtimepkg.Middleware
	MiddlewareFuncs        = runtimepkg.MiddlewareFuncs
	ConsumeFunc            = runtimepkg.ConsumeFunc
	PublishFunc            = runtimepkg.PublishFunc
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig
	MetricsOption          = runtimepkg.MetricsOption
	TracerOption           = runtimepkg.TracerOption
	Hooks                  = runtimepkg.Hooks
	MessageInfo            = runtimepkg.MessageInfo
	Action                 = runtimepkg.Action

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo    = runtimepkg.HandlerInfo
	HandlerStats   = runtimepkg.HandlerStats
	LatencyMetrics = runtimepkg.LatencyMetrics
	ErrorBreakdown = runtimepkg.ErrorBreakdown

	SetupError            = errspkg.SetupError
	DecodeError           = errspkg.DecodeError
	EncodeError           = errspkg.EncodeError
	AckSignal             = errspkg.AckSignal
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
	Provisioner       = newtransport.Provisioner
)

var (
	NewBroker      = runtimepkg.NewBroker
	NewRouter      = runtimepkg.NewRouter
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	Topic           = runtimepkg.Topic
	NewSource       = runtimepkg.NewSource
	WithScheme      = runtimepkg.WithScheme
	WithSourceBatch = runtimepkg.WithSourceBatch
	Raw             = runtimepkg.Raw

	// Subscriber options
	WithName                  = runtimepkg.WithName
	NoAck                     = runtimepkg.NoAck
	WithBatch                 = runtimepkg.WithBatch
	WithSubscriberMiddlewares = runtimepkg.WithSubscriberMiddlewares
	WithPublishers            = runtimepkg.WithPublishers

	// Publisher options
	AsBatch                  = runtimepkg.AsBatch
	WithDefaultHeaders       = runtimepkg.WithDefaultHeaders
	WithPublisherMiddlewares = runtimepkg.WithPublisherMiddlewares

	// Publish options
	WithHeaders       = runtimepkg.WithHeaders
	WithHeader        = runtimepkg.WithHeader
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithMessageID     = runtimepkg.WithMessageID
	WithReplyTo       = runtimepkg.WithReplyTo
	WithContentType   = runtimepkg.WithContentType
	WithRPC           = runtimepkg.WithRPC

	// Router options
	WithPrefix            = runtimepkg.WithPrefix
	WithRouterMiddlewares = runtimepkg.WithRouterMiddlewares

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware  = runtimepkg.CorrelationIDMiddleware
	CorrelationIDFromContext = runtimepkg.CorrelationIDFromContext
	LogMessagesMiddleware    = runtimepkg.LogMessagesMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	WithTracerProvider       = runtimepkg.WithTracerProvider
	WithPropagator           = runtimepkg.WithPropagator
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	WithRegisterer           = runtimepkg.WithRegisterer
	WithDurationBuckets      = runtimepkg.WithDurationBuckets
	RetryMiddleware          = runtimepkg.RetryMiddleware
	HooksMiddleware          = runtimepkg.HooksMiddleware
	InfoFromContext          = runtimepkg.InfoFromContext

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// Acknowledgement overrides returned from handlers
	AckMessage  = errspkg.AckMessage
	NackMessage = errspkg.NackMessage

	NewCodec           = codecpkg.New
	WithValidator      = codecpkg.WithValidator
	NewStructValidator = codecpkg.NewStructValidator

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities
	AllCapabilities = newtransport.AllCapabilities

	// Use RegisterTransport to plug a custom broker into the default registry.
	DefaultTransportRegistry          = newtransport.DefaultRegistry
	RegisterTransport                 = newtransport.Register
	RegisterTransportWithCapabilities = newtransport.RegisterWithCapabilities
	BuildTransport                    = newtransport.Build
	RegistryFactory                   = transportpkg.RegistryFactory

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrSetup               = errspkg.ErrSetup
	ErrAck                 = errspkg.ErrAck
	ErrNack                = errspkg.ErrNack
	ErrRPCTimeout          = errspkg.ErrRPCTimeout
	ErrNotStarted          = errspkg.ErrNotStarted
	ErrBrokerClosed        = errspkg.ErrBrokerClosed
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrRPCWithReplyTo      = errspkg.ErrRPCWithReplyTo
	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrAlreadyStarted      = errspkg.ErrAlreadyStarted
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrSourceRequired      = errspkg.ErrSourceRequired
	ErrBrokerStarted       = errspkg.ErrBrokerStarted

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Reserved header names.
const (
	HeaderCorrelationID = metadatapkg.CorrelationID
	HeaderContentType   = metadatapkg.ContentType
	HeaderReplyTo       = metadatapkg.ReplyTo
)

// Content types chosen by the default codec.
const (
	ContentTypeJSON  = codecpkg.ContentTypeJSON
	ContentTypeText  = codecpkg.ContentTypeText
	ContentTypeBytes = codecpkg.ContentTypeBytes
	ContentTypeProto = codecpkg.ContentTypeProto
)

// Instrumentation actions reported in MessageInfo.
const (
	ActionCreate  = runtimepkg.ActionCreate
	ActionPublish = runtimepkg.ActionPublish
	ActionProcess = runtimepkg.ActionProcess
)

// Subscriber lifecycle states.
const (
	StateCreated    = runtimepkg.StateCreated
	StateStarted    = runtimepkg.StateStarted
	StateReceiving  = runtimepkg.StateReceiving
	StateProcessing = runtimepkg.StateProcessing
	StateStopped    = runtimepkg.StateStopped
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func Handle[T, O any](fn func(ctx context.Context, msg Message[T]) (O, error)) Handler {
	return runtimepkg.Handle(fn)
}

func Consume[T any](fn func(ctx context.Context, msg Message[T]) error) Handler {
	return runtimepkg.Consume(fn)
}

func HandleBatch[T, O any](fn func(ctx context.Context, msg Message[[]T]) (O, error)) Handler {
	return runtimepkg.HandleBatch(fn)
}

// As decodes the envelope body into T, e.g. the reply of a Request.
func As[T any](env *Envelope) (T, error) {
	return envelopepkg.As[T](env)
}

// AsBatchOf decodes every item of a batch envelope into T.
func AsBatchOf[T any](env *Envelope) ([]T, error) {
	return envelopepkg.AsBatch[T](env)
}
