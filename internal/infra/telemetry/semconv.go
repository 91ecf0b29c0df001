package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for herald telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrResource identifies the resource class of the mutated object (e.g. Book).
	AttrResource = attribute.Key("resource")
	// AttrOutcome records the lifecycle outcome that produced an update (create, update, delete).
	AttrOutcome = attribute.Key("outcome")
	// AttrHub names the hub an update was delivered to.
	AttrHub = attribute.Key("hub")
	// AttrQueue names the async dispatch channel kind (memory, outbox, nats, kafka).
	AttrQueue = attribute.Key("queue")
	// AttrDelivery distinguishes synchronous hub delivery from async enqueue.
	AttrDelivery = attribute.Key("delivery")
	// AttrOperation differentiates specific operations (e.g. hub.publish, cache.cas).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for skips and errors.
	AttrReason = attribute.Key("reason")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Delivery values.
const (
	DeliverySync  = "sync"
	DeliveryAsync = "async"
)

// UpdateAttributes returns common attributes for published update metrics.
func UpdateAttributes(environment, resource, outcome, delivery string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOutcome.String(outcome),
	}
	if resource != "" {
		attrs = append(attrs, AttrResource.String(resource))
	}
	if delivery != "" {
		attrs = append(attrs, AttrDelivery.String(delivery))
	}
	return attrs
}

// SkipAttributes returns attributes for skipped mutations.
func SkipAttributes(environment, resource, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResource.String(resource),
		AttrReason.String(reason),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, hub, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrHub.String(hub),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, hub, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if hub != "" {
		attrs = append(attrs, AttrHub.String(hub))
	}
	return attrs
}

// QueueAttributes returns attributes for async dispatch metrics.
func QueueAttributes(environment, queue, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrQueue.String(queue),
		AttrResult.String(result),
	}
}
