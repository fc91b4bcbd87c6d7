package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every problem found in cfg.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr must be set"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes))
	}
	if c.Server.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("server.max_in_flight must be >= 0, got %d", c.Server.MaxInFlight))
	}
	if strings.TrimSpace(c.Models.Dir) == "" {
		errs = append(errs, errors.New("models.dir must be set"))
	}
	if c.Runtime.IntraOpThreads < 0 {
		errs = append(errs, fmt.Errorf("runtime.intra_op_threads must be >= 0, got %d", c.Runtime.IntraOpThreads))
	}
	if c.Activity.Size < 0 || c.Activity.Report < 0 {
		errs = append(errs, errors.New("activity.size and activity.report must be >= 0"))
	}
	if c.Telemetry.Enabled {
		switch strings.ToLower(c.Telemetry.Protocol) {
		case "", "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol))
		}
		if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
			errs = append(errs, errors.New("telemetry.endpoint must be set when telemetry is enabled"))
		}
	}
	return errors.Join(errs...)
}
