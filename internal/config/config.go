// Package config loads, validates, and hot-reloads the YAML configuration
// for the fleet log uploader.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level, validated configuration snapshot. A new Config
// value atomically replaces the active one on reload; consumers that hold a
// reference to one snapshot never observe a partial update.
type Config struct {
	VehicleID      string          `yaml:"vehicle_id"`
	LogDirectories []LogDirectory  `yaml:"log_directories"`
	S3             S3Config        `yaml:"s3"`
	Upload         UploadConfig    `yaml:"upload"`
	Deletion       DeletionConfig  `yaml:"deletion"`
	Disk           DiskConfig      `yaml:"disk"`
	Monitoring     MonitoringConfig `yaml:"monitoring"`
	LogLevel       string          `yaml:"log_level"`
}

// LogDirectory names one directory the Monitor watches. It unmarshals from
// either a bare string (`- /var/log/autoware`) or a mapping with optional
// fields.
type LogDirectory struct {
	Path      string `yaml:"path"`
	Source    string `yaml:"source,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`
	Recursive bool   `yaml:"recursive,omitempty"`
}

// UnmarshalYAML accepts either a plain string path or the full mapping form.
func (d *LogDirectory) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&d.Path)
	}

	type plain LogDirectory
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = LogDirectory(p)
	return nil
}

// S3Config holds object-store connection details.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	CredentialsPath string `yaml:"credentials_path"`
	Endpoint        string `yaml:"endpoint,omitempty"`
}

// OperationalHours restricts continuous-mode uploads to a wall-clock window.
type OperationalHours struct {
	Enabled bool   `yaml:"enabled"`
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
}

// ScanExistingFiles controls the one-shot startup directory scan.
type ScanExistingFiles struct {
	Enabled    bool `yaml:"enabled"`
	MaxAgeDays int  `yaml:"max_age_days"`
}

// ProcessedFilesRegistry configures the Registry's persistence path and
// retention horizon.
type ProcessedFilesRegistry struct {
	RegistryFile  string `yaml:"registry_file"`
	RetentionDays int    `yaml:"retention_days"`
}

// ScheduleSpec is the upload.schedule key. It unmarshals from either a bare
// HH:MM scalar (fire once daily at that time) or a mapping
// {mode: interval, interval_hours, interval_minutes} (fire every
// hours+minutes after startup).
type ScheduleSpec struct {
	Time            string `yaml:"-" json:"time,omitempty"`
	Mode            string `yaml:"mode" json:"mode,omitempty"`
	IntervalHours   int    `yaml:"interval_hours" json:"interval_hours,omitempty"`
	IntervalMinutes int    `yaml:"interval_minutes" json:"interval_minutes,omitempty"`
}

// UnmarshalYAML accepts either the scalar daily form or the interval mapping.
func (s *ScheduleSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&s.Time)
	}

	type plain struct {
		Mode            string `yaml:"mode"`
		IntervalHours   int    `yaml:"interval_hours"`
		IntervalMinutes int    `yaml:"interval_minutes"`
	}
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	s.Mode, s.IntervalHours, s.IntervalMinutes = p.Mode, p.IntervalHours, p.IntervalMinutes
	return nil
}

// IsInterval reports whether the schedule is interval-driven.
func (s ScheduleSpec) IsInterval() bool { return s.Mode == "interval" }

// Interval returns the configured firing period for interval mode.
func (s ScheduleSpec) Interval() time.Duration {
	return time.Duration(s.IntervalHours)*time.Hour + time.Duration(s.IntervalMinutes)*time.Minute
}

// UploadConfig groups every policy knob that governs when and how files are
// uploaded.
type UploadConfig struct {
	Schedule               ScheduleSpec           `yaml:"schedule"`
	FileStableSeconds      int                    `yaml:"file_stable_seconds"`
	OperationalHours       OperationalHours       `yaml:"operational_hours"`
	QueueFile              string                 `yaml:"queue_file"`
	ProcessedFilesRegistry ProcessedFilesRegistry `yaml:"processed_files_registry"`
	UploadOnStart          *bool                  `yaml:"upload_on_start"`
	ScanExistingFiles      ScanExistingFiles      `yaml:"scan_existing_files"`
	MaxBatchFiles          int                    `yaml:"max_batch_files"`
	MaxRetries             int                    `yaml:"max_retries"`
}

// AfterUpload configures deferred deletion once a file has been uploaded.
type AfterUpload struct {
	Enabled  bool `yaml:"enabled"`
	KeepDays int  `yaml:"keep_days"`
}

// AgeBased configures the age-based cleanup sweep.
type AgeBased struct {
	Enabled      bool   `yaml:"enabled"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	ScheduleTime string `yaml:"schedule_time"`
}

// Emergency configures the last-resort reclamation policy.
type Emergency struct {
	Enabled bool `yaml:"enabled"`
}

// DeletionConfig groups the three custodian policies.
type DeletionConfig struct {
	AfterUpload AfterUpload `yaml:"after_upload"`
	AgeBased    AgeBased    `yaml:"age_based"`
	Emergency   Emergency   `yaml:"emergency"`
}

// DiskConfig sets the free-space floor and usage thresholds.
type DiskConfig struct {
	ReservedGB       float64 `yaml:"reserved_gb"`
	WarningThreshold float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

// LowUploadAlarm optionally registers a CloudWatch alarm for chronically low
// upload volume. Off by default.
type LowUploadAlarm struct {
	Enabled     bool `yaml:"enabled"`
	ThresholdMB int  `yaml:"threshold_mb"`
}

// MonitoringConfig governs the MetricsSink.
type MonitoringConfig struct {
	CloudWatchEnabled bool            `yaml:"cloudwatch_enabled"`
	LowUploadAlarm    LowUploadAlarm  `yaml:"low_upload_alarm"`
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true,
}

// Load reads the YAML file at path, rejects unknown keys, applies defaults,
// and validates the result. On validation failure it returns an error
// describing every violation found, not just the first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.Upload.FileStableSeconds == 0 {
		cfg.Upload.FileStableSeconds = 60
	}
	if cfg.Upload.UploadOnStart == nil {
		t := true
		cfg.Upload.UploadOnStart = &t
	}
	if cfg.Upload.MaxBatchFiles == 0 {
		cfg.Upload.MaxBatchFiles = 10
	}
	if cfg.Upload.MaxRetries == 0 {
		cfg.Upload.MaxRetries = 10
	}
	if cfg.Upload.QueueFile == "" {
		cfg.Upload.QueueFile = "/var/lib/fleetlog-uploader/queue.json"
	}
	if cfg.Upload.ProcessedFilesRegistry.RegistryFile == "" {
		cfg.Upload.ProcessedFilesRegistry.RegistryFile = "/var/lib/fleetlog-uploader/registry.json"
	}
	if cfg.Upload.ProcessedFilesRegistry.RetentionDays == 0 {
		cfg.Upload.ProcessedFilesRegistry.RetentionDays = 30
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 0.90
	}
	if cfg.Disk.CriticalThreshold == 0 {
		cfg.Disk.CriticalThreshold = 0.95
	}
}

// Validate checks every required field and enumerated value, accumulating
// every violation instead of failing fast on the first one.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.VehicleID == "" {
		errs = append(errs, errors.New("vehicle_id is required"))
	}
	if len(cfg.LogDirectories) == 0 {
		errs = append(errs, errors.New("log_directories cannot be empty"))
	}
	if cfg.S3.Bucket == "" {
		errs = append(errs, errors.New("s3.bucket is required"))
	}
	if cfg.S3.Region == "" {
		errs = append(errs, errors.New("s3.region is required"))
	}
	if cfg.S3.CredentialsPath == "" {
		errs = append(errs, errors.New("s3.credentials_path is required"))
	}

	switch cfg.Upload.Schedule.Mode {
	case "interval":
		if cfg.Upload.Schedule.IntervalHours < 0 || cfg.Upload.Schedule.IntervalMinutes < 0 {
			errs = append(errs, errors.New("upload.schedule interval_hours/interval_minutes must be non-negative"))
		}
		if cfg.Upload.Schedule.Interval() <= 0 {
			errs = append(errs, errors.New("upload.schedule interval must be positive"))
		}
	case "":
		if cfg.Upload.Schedule.Time == "" {
			errs = append(errs, errors.New("upload.schedule is required"))
		} else if !isValidTimeFormat(cfg.Upload.Schedule.Time) {
			errs = append(errs, fmt.Errorf("upload.schedule must be in HH:MM format, got %q", cfg.Upload.Schedule.Time))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.schedule mode %q is not supported", cfg.Upload.Schedule.Mode))
	}

	if cfg.Upload.FileStableSeconds < 1 {
		errs = append(errs, errors.New("upload.file_stable_seconds must be >= 1"))
	}

	if cfg.Upload.OperationalHours.Enabled {
		if !isValidTimeFormat(cfg.Upload.OperationalHours.Start) {
			errs = append(errs, fmt.Errorf("upload.operational_hours.start must be HH:MM, got %q", cfg.Upload.OperationalHours.Start))
		}
		if !isValidTimeFormat(cfg.Upload.OperationalHours.End) {
			errs = append(errs, fmt.Errorf("upload.operational_hours.end must be HH:MM, got %q", cfg.Upload.OperationalHours.End))
		}
	}

	if cfg.Upload.ProcessedFilesRegistry.RetentionDays < 1 {
		errs = append(errs, errors.New("upload.processed_files_registry.retention_days must be >= 1"))
	}

	if cfg.Deletion.AfterUpload.Enabled && cfg.Deletion.AfterUpload.KeepDays < 0 {
		errs = append(errs, errors.New("deletion.after_upload.keep_days must be >= 0"))
	}
	if cfg.Deletion.AgeBased.Enabled {
		if cfg.Deletion.AgeBased.MaxAgeDays < 1 {
			errs = append(errs, errors.New("deletion.age_based.max_age_days must be >= 1"))
		}
		if cfg.Deletion.AgeBased.ScheduleTime != "" && !isValidTimeFormat(cfg.Deletion.AgeBased.ScheduleTime) {
			errs = append(errs, fmt.Errorf("deletion.age_based.schedule_time must be HH:MM, got %q", cfg.Deletion.AgeBased.ScheduleTime))
		}
	}

	if cfg.Disk.ReservedGB <= 0 {
		errs = append(errs, errors.New("disk.reserved_gb must be positive"))
	}
	if !(cfg.Disk.WarningThreshold > 0 && cfg.Disk.WarningThreshold < 1) {
		errs = append(errs, errors.New("disk.warning_threshold must be between 0 and 1"))
	}
	if !(cfg.Disk.CriticalThreshold > 0 && cfg.Disk.CriticalThreshold < 1) {
		errs = append(errs, errors.New("disk.critical_threshold must be between 0 and 1"))
	}
	if cfg.Disk.CriticalThreshold <= cfg.Disk.WarningThreshold {
		errs = append(errs, errors.New("disk.critical_threshold must be greater than disk.warning_threshold"))
	}

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: DEBUG, INFO, WARNING, ERROR", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

func isValidTimeFormat(s string) bool {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return false
	}
	// Sscanf accepts trailing garbage loosely; bound the length as well
	// instead of trusting it blindly.
	if len(s) < 3 || len(s) > 5 {
		return false
	}
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}
