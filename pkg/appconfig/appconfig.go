// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package appconfig reads the controller and executor configuration out of
// a job's app payload. An app payload is a zip of the submitted app folder
// whose config/ directory carries config_fed_server.json for the
// server-side controller and config_fed_client.json for the client-side
// executors and filters.
package appconfig

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openfedcore/fedcore/pkg/filter"
)

// Well-known config entry names inside an app payload.
const (
	ServerConfigFile = "config_fed_server.json"
	ClientConfigFile = "config_fed_client.json"
)

// ComponentSpec names a registered component and its build arguments.
type ComponentSpec struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FilterSpec binds a filter component to the task names it applies to. An
// empty Tasks list applies the filter to every task.
type FilterSpec struct {
	Tasks []string       `json:"tasks,omitempty"`
	Name  string         `json:"name"`
	Args  map[string]any `json:"args,omitempty"`
}

// ExecutorSpec binds an executor component to the task names it handles.
type ExecutorSpec struct {
	Tasks []string       `json:"tasks"`
	Name  string         `json:"name"`
	Args  map[string]any `json:"args,omitempty"`
}

// ServerConfig is the controller-side app configuration.
type ServerConfig struct {
	Controller        ComponentSpec `json:"controller"`
	TaskDataFilters   []FilterSpec  `json:"task_data_filters,omitempty"`
	TaskResultFilters []FilterSpec  `json:"task_result_filters,omitempty"`
}

// ClientConfig is the executor-side app configuration.
type ClientConfig struct {
	Executors         []ExecutorSpec `json:"executors"`
	TaskDataFilters   []FilterSpec   `json:"task_data_filters,omitempty"`
	TaskResultFilters []FilterSpec   `json:"task_result_filters,omitempty"`
}

// ReadFromZip locates the config entry whose path ends with name inside
// the zipped app payload and decodes it into out.
func ReadFromZip(blob []byte, name string, out any) error {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return fmt.Errorf("appconfig: open app payload: %w", err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("appconfig: open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("appconfig: read %s: %w", f.Name, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("appconfig: decode %s: %w", f.Name, err)
		}
		return nil
	}
	return fmt.Errorf("appconfig: %s not found in app payload", name)
}

// BuildFilterSet constructs the filter Set for one traffic direction:
// scope is the site-level chain configured at load time and always runs
// first; specs contribute the per-task chains in their listed order.
func BuildFilterSet(reg *filter.Registry, scope *filter.Chain, specs []FilterSpec) (*filter.Set, error) {
	perTask := make(map[string]*filter.Chain)
	globals := filter.NewChain()

	for _, spec := range specs {
		f, err := reg.Build(spec.Name, spec.Args)
		if err != nil {
			return nil, err
		}
		if len(spec.Tasks) == 0 {
			globals.Append(f)
			continue
		}
		for _, taskName := range spec.Tasks {
			chain, ok := perTask[taskName]
			if !ok {
				chain = filter.NewChain()
				perTask[taskName] = chain
			}
			chain.Append(f)
		}
	}

	// Filters without a task binding run for every task: they join the
	// front chain right after the site-level scope filters, ahead of any
	// task-bound filter.
	front := filter.NewChain()
	if scope != nil {
		appendChain(front, scope)
	}
	appendChain(front, globals)
	return filter.NewSet(front, perTask), nil
}

func appendChain(dst, src *filter.Chain) {
	dst.Append(src.Filters()...)
}
