// Package queue dispatches ingestion jobs through RabbitMQ.
//
// A Publisher implements jobs.Dispatcher by publishing the job id to a
// durable queue. A Consumer reads those messages on worker processes and
// runs each job, acknowledging it once the job reached a terminal status and
// requeueing it when another job holds the same source artifact.
// Undecodable messages and unexpected failures are dead-lettered.
package queue
