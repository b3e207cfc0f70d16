package app

import (
	"github.com/cockroachdb/errors"

	"detectorpoll/internal/config"
	"detectorpoll/internal/job"
	"detectorpoll/internal/transport/httpapi"
)

// catalog serves job specs from the live config, so a reload is visible to
// the next start without touching running jobs.
type catalog struct {
	cfgm *config.ConfigManager
}

func (c catalog) Spec(id string) (job.Spec, error) {
	j, ok := c.cfgm.Get().Job(id)
	if !ok {
		return job.Spec{}, errors.Wrapf(httpapi.ErrUnknownJob, "job %s", id)
	}
	spec, err := j.ToSpec(c.cfgm.Dir())
	if err != nil {
		return job.Spec{}, errors.Mark(err, job.ErrInvalidSpec)
	}
	return spec, nil
}

// ActiveSpecs resolves every active entry on its own. An entry that no longer
// resolves, e.g. a template file removed after load, is reported under its id
// and the others are still returned.
func (c catalog) ActiveSpecs() ([]job.Spec, map[string]error) {
	jobs := c.cfgm.Get().ActiveJobs()
	out := make([]job.Spec, 0, len(jobs))
	var failed map[string]error
	for _, j := range jobs {
		spec, err := j.ToSpec(c.cfgm.Dir())
		if err != nil {
			if failed == nil {
				failed = map[string]error{}
			}
			failed[j.ID] = errors.Mark(err, job.ErrInvalidSpec)
			continue
		}
		out = append(out, spec)
	}
	return out, failed
}
