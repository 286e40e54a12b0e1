package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML layout.  Every field is optional; zero values
// leave the current setting untouched.
//
//	agent:
//	  listen: 0.0.0.0:8999
//	  grace: 10s
//	launch:
//	  agent: build-host:8999
//	  remote_classpath: [/opt/app/bin]
type File struct {
	Agent struct {
		Listen      string        `yaml:"listen"`
		Executable  string        `yaml:"executable"`
		Debugger    string        `yaml:"debugger"`
		Grace       time.Duration `yaml:"grace"`
		PollTimeout time.Duration `yaml:"poll_timeout"`
		ChunkSize   int           `yaml:"chunk_size"`
		Debug       int           `yaml:"debug"`
	} `yaml:"agent"`

	Launch struct {
		Agent            string        `yaml:"agent"`
		Classpath        []string      `yaml:"classpath"`
		RemoteClasspath  []string      `yaml:"remote_classpath"`
		ExcludeClasspath []string      `yaml:"exclude_classpath"`
		RemoteArgs       []string      `yaml:"remote_args"`
		Timeout          time.Duration `yaml:"timeout"`
		ConnectRetries   int           `yaml:"connect_retries"`
		KeepWorker       bool          `yaml:"keep_worker"`
		Debug            int           `yaml:"debug"`
	} `yaml:"launch"`
}

// LoadFile reads a YAML config file.  An empty path yields an empty File;
// a missing file is an error only when required is true.
func LoadFile(path string, required bool) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return f, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// ApplyAgent overlays the agent section onto cfg.
func (f *File) ApplyAgent(cfg *AgentConfig) error {
	a := f.Agent
	if a.Listen != "" {
		addr, err := ParseHostPort(a.Listen, DefaultListenHost)
		if err != nil {
			return fmt.Errorf("config agent.listen: %w", err)
		}
		cfg.ListenAddr = addr
	}
	if a.Executable != "" {
		cfg.Executable = a.Executable
	}
	if a.Debugger != "" {
		cfg.Debugger = a.Debugger
	}
	if a.Grace > 0 {
		cfg.GracePeriod = a.Grace
	}
	if a.PollTimeout > 0 {
		cfg.PollTimeout = a.PollTimeout
	}
	if a.ChunkSize > 0 {
		cfg.ChunkSize = a.ChunkSize
	}
	if a.Debug > 0 {
		cfg.Verbose = a.Debug
	}
	return nil
}

// ApplyLaunch overlays the launch section onto cfg.
func (f *File) ApplyLaunch(cfg *LaunchConfig) error {
	l := f.Launch
	if l.Agent != "" {
		addr, err := ParseHostPort(l.Agent, DefaultAgentHost)
		if err != nil {
			return fmt.Errorf("config launch.agent: %w", err)
		}
		cfg.AgentAddr = addr
	}
	if len(l.Classpath) > 0 {
		cfg.Classpath = l.Classpath
	}
	if len(l.RemoteClasspath) > 0 {
		cfg.RemoteClasspath = l.RemoteClasspath
	}
	if len(l.ExcludeClasspath) > 0 {
		cfg.ExcludeClasspath = l.ExcludeClasspath
	}
	if len(l.RemoteArgs) > 0 {
		cfg.RemoteArgs = l.RemoteArgs
	}
	if l.Timeout > 0 {
		cfg.Timeout = l.Timeout
	}
	if l.ConnectRetries > 0 {
		cfg.ConnectRetries = l.ConnectRetries
	}
	if l.KeepWorker {
		cfg.KeepWorker = true
	}
	if l.Debug > 0 {
		cfg.Verbose = l.Debug
	}
	return nil
}
