package domain

import "time"

// SlaConfig maps request types to the maximum allowed duration between
// admission and completion, in hours. Pure lookup table.
type SlaConfig struct {
	ExportSla  int
	DeleteSla  int
	StatusSla  int
	ConsentSla int
}

func DefaultSlaConfig() SlaConfig {
	return SlaConfig{ExportSla: 720, DeleteSla: 720, StatusSla: 72, ConsentSla: 72}
}

func (c SlaConfig) Threshold(t RequestType) time.Duration {
	switch t {
	case Access, Portability:
		return time.Duration(c.ExportSla) * time.Hour
	case Erasure:
		return time.Duration(c.DeleteSla) * time.Hour
	case StatusCheck:
		return time.Duration(c.StatusSla) * time.Hour
	case Consent:
		return time.Duration(c.ConsentSla) * time.Hour
	}
	return time.Duration(c.ExportSla) * time.Hour
}
