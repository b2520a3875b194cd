// Package batch implements the batch wrapper (C7): rendering a submission
// script, submitting it to the cluster, and polling job state.
package batch

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/teris-io/shortid"

	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
)

// JobState is a cluster job's accounting state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobUnknown   JobState = "unknown"
)

// SBatchOpts are the `#`-prefixed submission options rendered into a
// BatchScript's preamble.
type SBatchOpts struct {
	JobName     string
	Reservation string
	NoRequeue   bool
	Output      string
}

func newOpts(jobName string) SBatchOpts {
	return SBatchOpts{JobName: jobName, NoRequeue: true}
}

func (o SBatchOpts) render() string {
	var lines []string
	lines = append(lines, "#SBATCH --job-name="+o.JobName)
	if o.Reservation != "" {
		lines = append(lines, "#SBATCH --reservation="+o.Reservation)
	}
	if o.NoRequeue {
		lines = append(lines, "#SBATCH --no-requeue")
	}
	if o.Output != "" {
		lines = append(lines, "#SBATCH --output="+o.Output)
	}
	return strings.Join(lines, "\n")
}

// BatchScript is a shebang + SBatchOpts + verbatim command lines,
// written to disk and submitted as one cluster job.
type BatchScript struct {
	Options  SBatchOpts
	Commands []string
	JobID    string

	submitBin, accountBin string
}

// New creates a BatchScript whose job name is suffixed with a short
// random token, so relaunching the same volume never collides with a
// stale script left by a prior attempt.
func New(jobNameBase, submitBin, accountBin string) (*BatchScript, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return nil, cmn.Tagf(cmn.KindSubprocessFailed, err, "generate job suffix")
	}
	return &BatchScript{
		Options:    newOpts(jobNameBase + "-" + sid),
		submitBin:  submitBin,
		accountBin: accountBin,
	}, nil
}

func (b *BatchScript) render() string {
	parts := []string{"#!/usr/bin/env bash", b.Options.render(), strings.Join(b.Commands, "\n")}
	return strings.Join(parts, "\n")
}

// write renders the script to <workdir>/<job_name>.sh.
func (b *BatchScript) write(s cmn.Storage, workdir string) (string, error) {
	path := workdir + "/" + b.Options.JobName + ".sh"
	if err := s.WriteFile(path, []byte(b.render()), 0o755); err != nil {
		return "", cmn.Tagf(cmn.KindIoMissing, err, "write batch script %s", path)
	}
	return path, nil
}

// Submit writes the script to workdir and invokes the cluster submit
// binary on it, parsing its stdout for exactly one job id token.
func (b *BatchScript) Submit(s cmn.Storage, workdir string) (string, error) {
	path, err := b.write(s, workdir)
	if err != nil {
		return "", err
	}
	out, err := exec.Command(b.submitBin, path).Output()
	if err != nil {
		return "", cmn.Tagf(cmn.KindSubprocessFailed, err, "submit batch script %s", path)
	}
	jobID, err := parseJobID(string(out))
	if err != nil {
		return "", err
	}
	b.JobID = jobID
	nlog.Infof("job id: %s", jobID)
	return jobID, nil
}

// parseJobID splits resp on whitespace and newlines, keeping tokens that
// parse as unsigned integers. Exactly one such token is expected.
func parseJobID(resp string) (string, error) {
	fields := strings.FieldsFunc(resp, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	var ids []string
	for _, f := range fields {
		if _, err := strconv.ParseUint(f, 10, 64); err == nil {
			ids = append(ids, f)
		}
	}
	switch len(ids) {
	case 0:
		return "", cmn.Tagf(cmn.KindSubprocessFailed, nil, "no job ids found in submitter response %q", resp)
	case 1:
		return ids[0], nil
	default:
		return "", cmn.Tagf(cmn.KindSubprocessFailed, nil, "multiple job ids found in submitter response %q", resp)
	}
}

// GetJobState runs the cluster accounting query and maps the last
// non-empty output line to a JobState, retrying on unmapped tokens until
// nRetries is exhausted (then returns JobUnknown).
func GetJobState(accountBin, jobID string, nRetries int) JobState {
	return getJobState(accountBin, jobID, nRetries, time.Sleep)
}

func getJobState(accountBin, jobID string, nRetries int, sleep func(time.Duration)) JobState {
	out, err := exec.Command(accountBin, "-j", jobID, "--format", "state").Output()
	if err != nil {
		if nRetries > 0 {
			sleep(time.Second)
			return getJobState(accountBin, jobID, nRetries-1, sleep)
		}
		nlog.Warningf("gave up waiting for job state for job id: %s", jobID)
		return JobUnknown
	}
	lines := strings.Split(strings.ToLower(string(out)), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			last = trimmed
			break
		}
	}
	switch last {
	case "pending":
		return JobPending
	case "cancelled":
		return JobCancelled
	case "failed":
		return JobFailed
	case "running":
		return JobRunning
	case "completed":
		return JobCompleted
	default:
		if nRetries > 0 {
			sleep(time.Second)
			return getJobState(accountBin, jobID, nRetries-1, sleep)
		}
		nlog.Warningf("gave up waiting for job state for job id: %s", jobID)
		return JobUnknown
	}
}
