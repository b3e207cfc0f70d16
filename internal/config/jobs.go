package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
)

// ToSpec resolves j into a validated job spec. baseDir anchors a relative
// template_file.
func (j JobConfig) ToSpec(baseDir string) (job.Spec, error) {
	path := "jobs[" + j.ID + "]"
	tmpl, err := j.template(baseDir)
	if err != nil {
		return job.Spec{}, errors.Wrap(err, path)
	}
	delay, err := ParseDurationField(path+".delay", j.Delay)
	if err != nil {
		return job.Spec{}, err
	}
	timeout, err := ParseDurationField(path+".timeout", j.Timeout)
	if err != nil {
		return job.Spec{}, err
	}

	token := strings.TrimSpace(j.BearerToken)
	if token == "" && j.BearerTokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(j.BearerTokenEnv))
	}

	spec := job.Spec{
		ID:                  strings.TrimSpace(j.ID),
		Name:                j.Name,
		Endpoint:            strings.TrimSpace(j.Endpoint),
		Method:              j.Method,
		Template:            tmpl,
		Headers:             j.Headers,
		BearerToken:         token,
		TrustAnyCertificate: j.TrustAnyCertificate,
		Delay:               delay,
		MaxIterations:       j.MaxIterations,
		Timeout:             timeout,
		Active:              j.Active,
		Seed:                j.Seed,
	}
	if err := spec.Validate(); err != nil {
		return job.Spec{}, err
	}
	return spec, nil
}

func (j JobConfig) template(baseDir string) (string, error) {
	if j.TemplateFile == "" {
		return j.Template, nil
	}
	if j.Template != "" {
		return "", errors.New("template and template_file are mutually exclusive")
	}
	p := j.TemplateFile
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", errors.Wrap(err, "template_file")
	}
	return string(b), nil
}

// Job looks up a catalog entry by id.
func (c *Config) Job(id string) (JobConfig, bool) {
	if c == nil {
		return JobConfig{}, false
	}
	for _, j := range c.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobConfig{}, false
}

// ActiveJobs returns the catalog entries flagged active, in catalog order.
func (c *Config) ActiveJobs() []JobConfig {
	if c == nil {
		return nil
	}
	out := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Active {
			out = append(out, j)
		}
	}
	return out
}
