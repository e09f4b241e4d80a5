package events

import "time"

const (
	clusterStreamName = "CLUSTER"

	eventSubjectPrefix = "worker.event."
	eventSubjectAll    = "worker.event.>"
	statsSubjectPrefix = "node.stats."
	statsSubjectAll    = "node.stats.*"

	streamMaxAge     = time.Hour
	streamMaxMsgs    = 100000
	operationTimeout = 10 * time.Second
)
