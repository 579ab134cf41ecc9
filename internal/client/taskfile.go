package client

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskrelay/taskrelay/internal/task"
)

// TaskFile is a task submission described in YAML.
type TaskFile struct {
	EtabName    string         `yaml:"etab_name"`
	AppName     string         `yaml:"app_name"`
	AppVersion  string         `yaml:"app_version"`
	TaskType    string         `yaml:"task_type"`
	SourceURL   string         `yaml:"source_url"`
	Affiliation string         `yaml:"affiliation"`
	Parameters  map[string]any `yaml:"parameters"`
	NotifyURL   string         `yaml:"notify_url"`
}

// LoadTaskFile reads and validates a YAML task file.
func LoadTaskFile(path string) (*task.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tf TaskFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}

	req := &task.Request{
		EtabName:    tf.EtabName,
		AppName:     tf.AppName,
		AppVersion:  tf.AppVersion,
		TaskType:    tf.TaskType,
		SourceURL:   tf.SourceURL,
		Affiliation: tf.Affiliation,
		Parameters:  tf.Parameters,
		NotifyURL:   tf.NotifyURL,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate task file: %w", err)
	}
	return req, nil
}
