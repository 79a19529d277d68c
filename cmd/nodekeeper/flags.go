package main

import "time"

type RunFlags struct {
	NodeID         string
	NonInteractive bool
	MetricsListen  string
	HistoryDSN     string
	PollInterval   time.Duration
}

type StatusFlags struct {
	JSON bool
}

type CleanupFlags struct {
	KeepLog bool
}
