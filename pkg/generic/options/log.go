package options

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/component-base/config"
	"k8s.io/component-base/logs"
	"k8s.io/component-base/logs/registry"
	"k8s.io/klog/v2"
)

const (
	defaultLogFileMaxSizeMB = 100
	defaultLogFileBackups   = 3
)

type LoggingConfiguration struct {
	// Refer [Logs Options](https://github.com/kubernetes/component-base/blob/master/logs/options.go) for more information.
	config.LoggingConfiguration
	// File receives the text logs with size based rotation. Empty keeps logging on stderr only.
	File        string
	FileMaxSize int
}

func NewDefaultLoggingConfiguration() LoggingConfiguration {
	return LoggingConfiguration{
		LoggingConfiguration: config.LoggingConfiguration{
			Format:    "text",
			Verbosity: 2,
		},
		FileMaxSize: defaultLogFileMaxSizeMB,
	}
}

func (l *LoggingConfiguration) ValidateAndApply() error {
	if len(l.File) > 0 && l.FileMaxSize <= 0 {
		return fmt.Errorf("invalid log file max size %d: must be positive", l.FileMaxSize)
	}
	o := logs.NewOptions()
	o.Config.Format = l.Format
	o.Config.Verbosity = l.Verbosity
	o.Config.VModule = l.VModule
	if err := o.ValidateAndApply(); err != nil {
		return err
	}
	if len(l.File) > 0 {
		return l.applyFile()
	}
	return nil
}

// applyFile keeps a copy of every line on stderr and writes each line once to
// the rotated file.
func (l *LoggingConfiguration) applyFile() error {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	for name, value := range map[string]string{
		"logtostderr":     "false",
		"alsologtostderr": "true",
		"one_output":      "true",
	} {
		if err := klogFlags.Set(name, value); err != nil {
			return fmt.Errorf("set klog flag %s: %w", name, err)
		}
	}
	klog.SetOutput(&lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.FileMaxSize,
		MaxBackups: defaultLogFileBackups,
		Compress:   true,
	})
	klog.V(1).InfoS("Logging to file", "file", l.File, "maxSizeMB", l.FileMaxSize)
	return nil
}

type marshalLoggingConfig struct {
	Format      string
	Verbosity   config.VerbosityLevel
	VModule     config.VModuleConfiguration
	File        string `json:",omitempty"`
	FileMaxSize int
}

func (l *LoggingConfiguration) MarshalJSON() ([]byte, error) {
	return json.Marshal(&marshalLoggingConfig{
		Format:      l.Format,
		Verbosity:   l.Verbosity,
		VModule:     l.VModule,
		File:        l.File,
		FileMaxSize: l.FileMaxSize,
	})
}

func (l *LoggingConfiguration) UnmarshalJSON(bytes []byte) error {
	in := &marshalLoggingConfig{
		Format:      l.Format,
		Verbosity:   l.Verbosity,
		VModule:     l.VModule,
		File:        l.File,
		FileMaxSize: l.FileMaxSize,
	}
	if err := json.Unmarshal(bytes, in); err != nil {
		return err
	}
	l.Format = in.Format
	l.Verbosity = in.Verbosity
	l.VModule = in.VModule
	l.File = in.File
	l.FileMaxSize = in.FileMaxSize
	return nil
}

func (l *LoggingConfiguration) BindLoggingFlags(fs *pflag.FlagSet) {
	notHidden := map[string]bool{
		"v":              true,
		"vmodule":        true,
		"logging-format": true,
	}

	logsFs := pflag.NewFlagSet("", pflag.ContinueOnError)
	logs.BindLoggingFlags(&l.LoggingConfiguration, logsFs)
	logsFs.VisitAll(func(f *pflag.Flag) {
		if notHidden[f.Name] {
			if f.Name == "logging-format" {
				formats := fmt.Sprintf(`"%s"`, strings.Join(registry.LogRegistry.List(), `", "`))
				f.Usage = fmt.Sprintf("Sets the log format. Permitted formats: %s.", formats)
			}
			return
		}
		f.Hidden = true
	})

	fs.AddFlagSet(logsFs)
	fs.StringVar(&l.File, "log-file", l.File, "If non-empty, also write text logs to this file, rotated by size.")
	fs.IntVar(&l.FileMaxSize, "log-file-max-size", l.FileMaxSize, "Maximum size in megabytes of the log file before it gets rotated.")
}
