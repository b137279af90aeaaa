package config

import (
	"reflect"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
)

// ConfigDiff describes what changed between two configs.
// Only the pipeline settings and the log level apply to running sessions;
// every other change is reported so the operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any pipeline setting changed.
	// NewPipeline is then swapped into live sessions.
	PipelineChanged bool
	NewPipeline     detect.Config

	// RestartRequired lists top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"providers", old.Providers, new.Providers},
		{"session", old.Session, new.Session},
		{"semantic", old.Semantic, new.Semantic},
		{"keyword", old.Keyword, new.Keyword},
		{"escalation", old.Escalation, new.Escalation},
		{"corpus", old.Corpus, new.Corpus},
		{"postgres", old.Postgres, new.Postgres},
		{"prefetch", old.Prefetch, new.Prefetch},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
