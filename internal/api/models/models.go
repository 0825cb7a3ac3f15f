// Package models holds the request and response shapes of the HTTP API.
package models

import (
	"github.com/smazurov/procwatch/internal/aggregator"
	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/monitor"
	"github.com/smazurov/procwatch/internal/version"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

type VersionResponse struct {
	Body version.Info
}

// Process models
type ProcessPath struct {
	ID string `path:"id" example:"proc-1718000000000-1a2b3c4d" doc:"Process handle"`
}

type EventsQuery struct {
	Process string `query:"process" doc:"Only stream events for this process handle"`
}

type StartProcessData struct {
	Command string            `json:"command" minLength:"1" example:"make test" doc:"Command line to run"`
	Dir     string            `json:"dir,omitempty" example:"/srv/app" doc:"Working directory"`
	Env     map[string]string `json:"env,omitempty" doc:"Extra environment variables"`
	NoShell bool              `json:"no_shell,omitempty" doc:"Split the command into arguments instead of running it through /bin/sh"`
	Filter  []string          `json:"filter,omitempty" example:"[\"error\",\"warn\"]" doc:"Initial level allow-list; omit to use the filter policy"`
}

type StartProcessRequest struct {
	Body StartProcessData
}

type StartedData struct {
	ProcessID string `json:"process_id" example:"proc-1718000000000-1a2b3c4d" doc:"Handle of the new process"`
	Command   string `json:"command" doc:"Command as given"`
}

type StartProcessResponse struct {
	Body StartedData
}

type ProcessResponse struct {
	Body monitor.Record
}

type ProcessListResponse struct {
	Body monitor.Snapshot
}

type StopProcessResponse struct {
	Body monitor.StopResult
}

type StopAllData struct {
	Message string `json:"message" example:"All processes stopped" doc:"Outcome"`
}

type StopAllResponse struct {
	Body StopAllData
}

// Filter models
type FilterData struct {
	Levels []logstream.Level `json:"levels" doc:"Allowed levels; empty means all levels"`
	Active bool              `json:"active" doc:"Whether a filter is in effect"`
}

type FilterResponse struct {
	Body FilterData
}

type SetFilterRequest struct {
	ProcessPath
	Body struct {
		Levels []string `json:"levels" example:"[\"error\"]" doc:"Allowed levels; empty clears the filter"`
	}
}

// Log models
type RecentLogsRequest struct {
	ProcessPath
	Limit int `query:"limit" minimum:"0" default:"100" doc:"Most recent entries to return"`
}

type EntriesResponse struct {
	Body struct {
		Entries []logstream.Entry `json:"entries" doc:"Entries oldest first"`
	}
}

type LogsQuery struct {
	Process []string `query:"process" doc:"Restrict to these process handles"`
	Level   []string `query:"level" doc:"Restrict to these levels"`
	Since   string   `query:"since" doc:"Earliest timestamp (RFC 3339), inclusive"`
	Until   string   `query:"until" doc:"Latest timestamp (RFC 3339), inclusive"`
	Offset  int      `query:"offset" minimum:"0" doc:"Entries to skip"`
	Limit   int      `query:"limit" minimum:"0" doc:"Maximum entries, 0 for no limit"`
}

type LogsData struct {
	Entries []aggregator.Entry `json:"entries" doc:"Entries in ingestion order"`
	Count   int                `json:"count" doc:"Entries in this page"`
}

type LogsResponse struct {
	Body LogsData
}

type ProcessLogsRequest struct {
	ProcessPath
}

type MetadataResponse struct {
	Body aggregator.Metadata
}

type MetadataListResponse struct {
	Body struct {
		Processes []aggregator.Metadata `json:"processes" doc:"Every process the aggregator has seen"`
	}
}

type StatsResponse struct {
	Body aggregator.Statistics
}

type ClearLogsResponse struct {
	Body struct {
		Message string `json:"message" example:"Logs cleared" doc:"Outcome"`
	}
}
