package serverbox

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resumer is the subset of the Lifecycle Manager the Resume Coordinator
// depends on.
type Resumer interface {
	Get(ctx context.Context, id string) (Record, error)
	Resume(ctx context.Context, id string, timeout time.Duration) (Record, error)
}

// Coordinator deduplicates concurrent resume attempts for the same
// instance id into a single underlying Resume call, the way
// golang.org/x/sync/singleflight collapses concurrent callers of Do into
// one execution. Built directly on singleflight.Group rather than a
// hand-rolled map, since singleflight already implements "join if
// in-flight, else start and let the starter clear the slot on settle".
type Coordinator struct {
	manager       Resumer
	group         singleflight.Group
	autoResume    bool
	resumeTimeout time.Duration
	metrics       *Metrics
}

// NewCoordinator constructs a Coordinator. autoResume disables resume
// entirely when false (callers against a non-running instance then fail
// fast with INSTANCE_NOT_RUNNING). resumeTimeout bounds both the
// underlying resume call and how long a joiner waits for it.
func NewCoordinator(manager Resumer, autoResume bool, resumeTimeout time.Duration, metrics *Metrics) *Coordinator {
	if resumeTimeout <= 0 {
		resumeTimeout = 60 * time.Second
	}
	return &Coordinator{manager: manager, autoResume: autoResume, resumeTimeout: resumeTimeout, metrics: metrics}
}

// EnsureRunning returns id's record once it is running, triggering at
// most one resume per id across however many concurrent callers ask for
// it. A joiner that times out waiting does not cancel the underlying
// resume: it fails with INSTANCE_NOT_RUNNING while the resume keeps
// running in the background for the next caller to observe.
func (c *Coordinator) EnsureRunning(ctx context.Context, id string) (Record, error) {
	rec, err := c.manager.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.State == StateRunning {
		c.metrics.IncResumeJoin("already_running")
		return rec, nil
	}
	if !c.autoResume {
		return Record{}, NewError(KindInstanceNotRunning, "instance is not running and auto-resume is disabled")
	}

	resultCh := c.group.DoChan(id, func() (interface{}, error) {
		c.metrics.IncResumeCall()
		resumeCtx, cancel := context.WithTimeout(context.Background(), c.resumeTimeout)
		defer cancel()
		return c.manager.Resume(resumeCtx, id, c.resumeTimeout)
	})

	timer := time.NewTimer(c.resumeTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.Shared {
			c.metrics.IncResumeJoin("joined_inflight")
		} else {
			c.metrics.IncResumeJoin("triggered")
		}
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	case <-timer.C:
		return Record{}, NewError(KindInstanceNotRunning, "timed out waiting for instance to resume")
	case <-ctx.Done():
		return Record{}, NewError(KindInstanceNotRunning, "request canceled while waiting for instance to resume")
	}
}
