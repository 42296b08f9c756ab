package jobs

import (
	"encoding/json"
	"fmt"
)

// Status is the job execution status reported to the control channel.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusFailed     Status = "FAILED"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusRejected   Status = "REJECTED"
)

// Reason qualifies a status.
type Reason string

const (
	ReasonReceiving      Reason = "receiving"
	ReasonSelfTestReady  Reason = "ready"
	ReasonSelfTestActive Reason = "active"
	ReasonAccepted       Reason = "accepted"
	ReasonRejected       Reason = "rejected"
	ReasonAborted        Reason = "aborted"
)

// Update is one status publication.
type Update struct {
	Status        Status            `json:"status"`
	StatusDetails map[string]string `json:"statusDetails,omitempty"`
}

// Receiving reports transfer progress.
func Receiving(received, total int) Update {
	return Update{
		Status:        StatusInProgress,
		StatusDetails: map[string]string{"receive": fmt.Sprintf("%d/%d", received, total)},
	}
}

// SelfTest reports the self-test phase. updatedBy is the version of the
// image that applied the update.
func SelfTest(reason Reason, updatedBy uint32) Update {
	return Update{
		Status: StatusInProgress,
		StatusDetails: map[string]string{
			"self_test": string(reason),
			"updatedBy": fmt.Sprintf("%d", updatedBy),
		},
	}
}

// Succeeded reports an accepted image.
func Succeeded(version string) Update {
	return Update{
		Status:        StatusSucceeded,
		StatusDetails: map[string]string{"reason": string(ReasonAccepted) + " " + version},
	}
}

// Rejected reports an image that failed self-test or was refused.
func Rejected(detail string) Update {
	return Update{
		Status:        StatusRejected,
		StatusDetails: map[string]string{"reason": string(ReasonRejected) + ": " + detail},
	}
}

// Failed reports a job that could not be completed.
func Failed(reason Reason, detail string) Update {
	return Update{
		Status:        StatusFailed,
		StatusDetails: map[string]string{"reason": string(reason) + ": " + detail},
	}
}

// Marshal encodes the update for publication.
func (u Update) Marshal() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job status: %w", err)
	}
	return data, nil
}

// Terminal reports whether the update ends the job.
func (u Update) Terminal() bool {
	return u.Status != StatusInProgress
}
