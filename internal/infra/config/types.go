package config

import "strings"

// Environment identifies the runtime environment herald operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// HubKind selects a hub transport.
type HubKind string

// Hub transports.
const (
	HubMemory    HubKind = "memory"
	HubMercure   HubKind = "mercure"
	HubWebsocket HubKind = "websocket"
)

// QueueKind selects the async dispatch channel.
type QueueKind string

// Dispatch channels.
const (
	QueueNone   QueueKind = "none"
	QueueMemory QueueKind = "memory"
	QueueOutbox QueueKind = "outbox"
	QueueNATS   QueueKind = "nats"
	QueueKafka  QueueKind = "kafka"
)

// CacheKind selects the subscription cache backend.
type CacheKind string

// Subscription cache backends.
const (
	CacheMemory   CacheKind = "memory"
	CacheRedis    CacheKind = "redis"
	CachePostgres CacheKind = "postgres"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
