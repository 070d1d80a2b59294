package internal

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

var Config *Configuration

type HoursDuration time.Duration

func NewHoursDuration(hours int64) HoursDuration {
	return HoursDuration(time.Duration(hours) * time.Hour)
}

func (hd HoursDuration) MarshalJSON() ([]byte, error) {
	hours := float64(time.Duration(hd)) / float64(time.Hour)
	return json.Marshal(hours)
}

func (hd *HoursDuration) UnmarshalJSON(data []byte) error {
	var hours float64
	if err := json.Unmarshal(data, &hours); err != nil {
		return err
	}
	*hd = HoursDuration(hours * float64(time.Hour))
	return nil
}

type SecondsDuration time.Duration

func NewSecondsDuration(seconds int64) SecondsDuration {
	return SecondsDuration(time.Duration(seconds) * time.Second)
}

func (sd SecondsDuration) MarshalJSON() ([]byte, error) {
	seconds := float64(time.Duration(sd)) / float64(time.Second)
	return json.Marshal(seconds)
}

func (sd *SecondsDuration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*sd = SecondsDuration(seconds * float64(time.Second))
	return nil
}

type Configuration struct {
	LeaseTTLSeconds          SecondsDuration `json:"lease_ttl_seconds"`
	LeaseReapIntervalSeconds SecondsDuration `json:"lease_reap_interval_seconds"`
	StageTimeoutSeconds      SecondsDuration `json:"stage_timeout_seconds"`
	ArtifactRetentionHours   HoursDuration   `json:"artifact_retention_hours"`
	RunRetentionHours        HoursDuration   `json:"run_retention_hours"`
	KeepReleases             int             `json:"keep_releases"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		LeaseTTLSeconds:          NewSecondsDuration(2 * 60 * 60),
		LeaseReapIntervalSeconds: NewSecondsDuration(30),
		StageTimeoutSeconds:      NewSecondsDuration(30 * 60),
		ArtifactRetentionHours:   NewHoursDuration(7 * 24),
		RunRetentionHours:        NewHoursDuration(90 * 24),
		KeepReleases:             5,
	}
}

func (c *Configuration) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds)
}

func (c *Configuration) LeaseReapInterval() time.Duration {
	return time.Duration(c.LeaseReapIntervalSeconds)
}

func (c *Configuration) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds)
}

func (c *Configuration) ArtifactRetention() time.Duration {
	return time.Duration(c.ArtifactRetentionHours)
}

func (c *Configuration) RunRetention() time.Duration {
	return time.Duration(c.RunRetentionHours)
}

// InitializeConfiguration reads the configuration file at path, writing the
// defaults to it first when it does not exist. Fields missing from an existing
// file keep their default values.
func InitializeConfiguration(path string) error {
	config := DefaultConfiguration()

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeConfiguration(path, config); err != nil {
			return err
		}
		Config = config
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, config); err != nil {
		return err
	}
	Config = config
	return nil
}

func UpdateConfiguration(path string, config *Configuration) error {
	if err := writeConfiguration(path, config); err != nil {
		return err
	}
	Config = config
	return nil
}

func writeConfiguration(path string, config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
