package redis

import "fmt"

const queueKeyPrefix = "pdfq"

// QueueKeys names every Redis key that belongs to one job queue.
// All keys share a hash tag so the scripts stay valid on Redis Cluster.
type QueueKeys struct {
	name string
}

// NewQueueKeys returns the key layout for the named queue
func NewQueueKeys(name string) QueueKeys {
	return QueueKeys{name: name}
}

func (k QueueKeys) base() string {
	return fmt.Sprintf("%s:{%s}", queueKeyPrefix, k.name)
}

// Job is the hash holding a single job record
func (k QueueKeys) Job(id string) string { return k.base() + ":job:" + id }

// JobPrefix is Job("") and is passed to scripts that build job keys themselves
func (k QueueKeys) JobPrefix() string { return k.base() + ":job:" }

// Wait is the FIFO list of ready job ids
func (k QueueKeys) Wait() string { return k.base() + ":wait" }

// Delayed is a sorted set scored by the unix ms at which a job becomes ready
func (k QueueKeys) Delayed() string { return k.base() + ":delayed" }

// Active is a sorted set scored by lease deadline in unix ms
func (k QueueKeys) Active() string { return k.base() + ":active" }

// Completed is a sorted set scored by finish time, trimmed by retention
func (k QueueKeys) Completed() string { return k.base() + ":completed" }

// Failed is the dead set, scored by finish time and trimmed by retention
func (k QueueKeys) Failed() string { return k.base() + ":failed" }

// Seq is the job id counter
func (k QueueKeys) Seq() string { return k.base() + ":seq" }
