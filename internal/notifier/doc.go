// Package notifier delivers operator notifications about the fleet.
//
// Bridge turns domain events from the bus into Notification values and hands
// them to Service, an asynchronous pipeline with a bounded queue, a worker
// pool, a shared rate limit, retries with jittered backoff and a dedup
// window that can survive restarts through the store.
//
// # Sinks
//
// Every notification fans out to all configured sinks: a Discord-style
// webhook, a Telegram chat, an MQTT topic per tank and an AMQP exchange.
// Each sink is retried on its own, so a slow broker does not hold back chat
// delivery.
//
// # History
//
// The service keeps a small in-memory history of delivered notifications
// for /healthz.
package notifier
