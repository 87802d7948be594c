// Package config holds the immutable settings record threaded through every
// constructor in this module, in place of the package-level globals that
// sisyphus.global_settings uses upstream.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is passed explicitly to every component that needs a wait period,
// a directory name, or an engine limit. Nothing in this module reads a
// package-level mutable global.
type Settings struct {
	// Directory layout (relative to WorkDir unless absolute).
	WorkDir           string `yaml:"work_dir"`
	AliasDir          string `yaml:"alias_dir"`
	OutputDir         string `yaml:"output_dir"`
	AliasOutputSubdir string `yaml:"alias_output_subdir"`
	TeamShareDir      string `yaml:"team_share_dir"`

	// Concurrency.
	GraphWorkers        int `yaml:"graph_workers"`
	ManagerSubmitWorkers int `yaml:"manager_submit_workers"`
	JobCleanerWorkers   int `yaml:"job_cleaner_workers"`

	// Wait periods, as time.Duration (Go duration strings such as "30s" in
	// the YAML file).
	WaitPeriodJobFSSync       time.Duration `yaml:"wait_period_job_fs_sync"`
	WaitPeriodBetweenChecks   time.Duration `yaml:"wait_period_between_checks"`
	WaitPeriodCache           time.Duration `yaml:"wait_period_cache"`
	WaitPeriodSSHTimeout      time.Duration `yaml:"wait_period_ssh_timeout"`
	WaitPeriodQstatParsing    time.Duration `yaml:"wait_period_qstat_parsing"`
	WaitPeriodJobCleanup      time.Duration `yaml:"wait_period_job_cleanup"`
	WaitPeriodMtimeOfInputs   time.Duration `yaml:"wait_period_mtime_of_inputs"`
	PloggingInterval          time.Duration `yaml:"plogging_interval"`
	PloggingUpdateFilePeriod  time.Duration `yaml:"plogging_update_file_period"`
	PloggingMinChange         float64       `yaml:"plogging_min_change"`
	FilesystemCacheTime       time.Duration `yaml:"filesystem_cache_time"`

	// Keep-value / cleanup policy.
	JobDefaultKeepValue int  `yaml:"job_default_keep_value"`
	JobAutoCleanup      bool `yaml:"job_auto_cleanup"`
	JobCleanerInterval  time.Duration `yaml:"job_cleaner_interval"`

	// Retry / engine limits.
	MaxSubmitRetries  int     `yaml:"max_submit_retries"`
	EngineMaxTimeHours float64 `yaml:"engine_max_time_hours"`
	EngineMaxMemHighTime float64 `yaml:"engine_max_mem_high_time"` // mem cap when time > 24h
	EngineMaxMemLowTime  float64 `yaml:"engine_max_mem_low_time"`  // mem cap when time <= 24h

	// Misc policy flags.
	ClearErrorOnStartup bool `yaml:"clear_error_on_startup"`
	EnableLastUsage      bool `yaml:"enable_last_usage"`
	LogTracebacks        bool `yaml:"log_tracebacks"`
	RaiseVariableNotSet  bool `yaml:"raise_variable_not_set"`

	// Command used by engines to invoke the worker (defaults to the current
	// executable's own argv[0] plus "worker").
	SisCommand []string `yaml:"sis_command"`
}

// Default returns the settings matching sisyphus.global_settings' module
// level defaults.
func Default() *Settings {
	return &Settings{
		WorkDir:           "work",
		AliasDir:          "alias",
		OutputDir:         "output",
		AliasOutputSubdir: "",

		GraphWorkers:         16,
		ManagerSubmitWorkers: 10,
		JobCleanerWorkers:    5,

		WaitPeriodJobFSSync:      30 * time.Second,
		WaitPeriodBetweenChecks:  30 * time.Second,
		WaitPeriodCache:          20 * time.Second,
		WaitPeriodSSHTimeout:     15 * time.Second,
		WaitPeriodQstatParsing:   15 * time.Second,
		WaitPeriodJobCleanup:     10 * time.Second,
		WaitPeriodMtimeOfInputs:  60 * time.Second,
		PloggingInterval:         5 * time.Second,
		PloggingUpdateFilePeriod: 60 * time.Second,
		PloggingMinChange:        0.1,
		FilesystemCacheTime:      30 * time.Second,

		JobDefaultKeepValue: 50,
		JobAutoCleanup:      true,
		JobCleanerInterval:  60 * time.Second,

		MaxSubmitRetries:     3,
		EngineMaxTimeHours:   168,
		EngineMaxMemHighTime: 63,
		EngineMaxMemLowTime:  127,

		ClearErrorOnStartup: false,
		EnableLastUsage:     false,
		LogTracebacks:       false,
		RaiseVariableNotSet: true,

		SisCommand: []string{os.Args[0], "worker"},
	}
}

// Load reads a YAML settings file and overlays it onto Default(). A missing
// file is not an error: it simply leaves defaults untouched, mirroring
// global_settings.update_gloabal_settings_from_file's tolerance of an
// absent settings.py.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// CheckEngineLimits clamps time/mem the way global_settings.check_engine_limits
// does: time is capped at EngineMaxTimeHours, and depending on whether the
// (clamped) time exceeds 24h, mem is capped at the high- or low-time limit.
func (s *Settings) CheckEngineLimits(rqmt map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(rqmt))
	for k, v := range rqmt {
		out[k] = v
	}
	t, ok := out["time"]
	if !ok {
		t = 2
	}
	if t > s.EngineMaxTimeHours {
		t = s.EngineMaxTimeHours
	}
	out["time"] = t
	if mem, ok := out["mem"]; ok {
		if t > 24 {
			if mem > s.EngineMaxMemHighTime {
				mem = s.EngineMaxMemHighTime
			}
		} else {
			if mem > s.EngineMaxMemLowTime {
				mem = s.EngineMaxMemLowTime
			}
		}
		out["mem"] = mem
	}
	return out
}
