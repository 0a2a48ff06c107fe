package provision

import (
	"errors"
	"time"
)

// ErrResultNotFound is returned when no provisioning result exists for a
// tenant.
var ErrResultNotFound = errors.New("provisioning result not found")

// ResultStatus marks whether a pipeline run completed.
type ResultStatus string

// Predefined result statuses.
const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// Credentials carries the generated administrative login. The password is
// single-use and only ever held in memory on its way to the notification
// component; storage keeps the bcrypt hash.
type Credentials struct {
	Username string
	Password string
}

// Result is the output of one full pipeline run. A new Result supersedes the
// previous one after migration; rows are never mutated into a different run's
// outcome.
type Result struct {
	ID           int64
	TenantSlug   string
	Status       ResultStatus
	Hostname     string
	AssignmentID int64
	Tier         Tier
	Bucket       string
	DNSRecordID  string
	ServiceURLs  map[string]string

	AdminUsername     string
	AdminPasswordHash string

	// FailureKind is set on failed runs so operators see the taxonomy tag,
	// never raw infrastructure detail.
	FailureKind *Kind

	CreatedAt    time.Time
	SupersededAt *time.Time
}

// Succeeded reports whether the run completed.
func (r *Result) Succeeded() bool { return r.Status == ResultSucceeded }
