package exporter

import (
	"os"
	"runtime"
)

// AgentName and AgentVersion identify this probe to the APM server.
const (
	AgentName    = "elastic-apm-probe-go"
	AgentVersion = "1.0.0"
)

// Service describes the instrumented application.
type Service struct {
	Name        string
	Version     string
	Environment string
	// Framework is the HTTP stack in use, e.g. "net/http" or "gin".
	Framework string
	Hostname  string
}

type serviceMetadata struct {
	Name        string       `json:"name"`
	Version     string       `json:"version,omitempty"`
	Environment string       `json:"environment,omitempty"`
	Agent       nameVersion  `json:"agent"`
	Language    nameVersion  `json:"language"`
	Runtime     nameVersion  `json:"runtime"`
	Framework   *nameVersion `json:"framework,omitempty"`
}

type nameVersion struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type systemMetadata struct {
	Hostname     string `json:"hostname,omitempty"`
	Architecture string `json:"architecture"`
	Platform     string `json:"platform"`
}

type processMetadata struct {
	PID  int      `json:"pid"`
	Argv []string `json:"argv,omitempty"`
}

type metadata struct {
	Service serviceMetadata `json:"service"`
	System  systemMetadata  `json:"system"`
	Process processMetadata `json:"process"`
}

func newMetadata(s Service) metadata {
	name := s.Name
	if name == "" {
		name = "Go"
	}
	svc := serviceMetadata{
		Name:        name,
		Version:     s.Version,
		Environment: s.Environment,
		Agent:       nameVersion{Name: AgentName, Version: AgentVersion},
		Language:    nameVersion{Name: "go", Version: runtime.Version()},
		Runtime:     nameVersion{Name: "gc", Version: runtime.Version()},
	}
	if s.Framework != "" {
		svc.Framework = &nameVersion{Name: s.Framework}
	}
	return metadata{
		Service: svc,
		System: systemMetadata{
			Hostname:     s.Hostname,
			Architecture: runtime.GOARCH,
			Platform:     runtime.GOOS,
		},
		Process: processMetadata{PID: os.Getpid(), Argv: os.Args},
	}
}
