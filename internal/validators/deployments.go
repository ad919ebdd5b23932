package validators

import (
	"context"
	"fmt"
	"strings"

	"deployproof/internal/domain"
)

const (
	CopadoDeploymentRecord     = "copado_deployment_record"
	SalesforceDeploymentRecord = "salesforce_deployment_record"

	SourceCopado     = "copado"
	SourceSalesforce = "salesforce"
)

// deploymentRecord looks for an audit trail entry per story. Missing records
// are a warning: absence of an audit trail does not prove non-deployment.
type deploymentRecord struct {
	name   string
	source string
}

func (d deploymentRecord) Name() string { return d.name }

func (d deploymentRecord) Run(ctx context.Context, _ []domain.Component, vc *Context) (Result, error) {
	if len(vc.Stories) == 0 {
		return Result{Status: domain.StatusSkipped, Details: details("reason", "no stories to look up")}, nil
	}
	if vc.Deployments == nil {
		return Result{}, fmt.Errorf("no deployment record source configured")
	}
	records, err := vc.Deployments.DeploymentRecords(ctx, vc.Environment, d.source, vc.Stories)
	if err != nil {
		return Result{}, fmt.Errorf("%s deployment records: %w", d.source, err)
	}
	covered := map[string]domain.DeploymentRecord{}
	for _, rec := range records {
		if rec.Environment != "" && rec.Environment != vc.Environment {
			continue
		}
		if unsuccessful(rec.Status) {
			continue
		}
		if prev, ok := covered[rec.Story]; !ok || rec.CompletedAt > prev.CompletedAt {
			covered[rec.Story] = rec
		}
	}
	with := []string{}
	without := []string{}
	var found []domain.DeploymentRecord
	for _, s := range vc.Stories {
		rec, ok := covered[s]
		if !ok {
			without = append(without, s)
			continue
		}
		with = append(with, s)
		found = append(found, rec)
	}
	status := domain.StatusSuccess
	if len(without) > 0 {
		status = domain.StatusWarning
	}
	return Result{Status: status, Details: details(
		"source", d.source,
		"stories_with_record", with,
		"stories_without_record", without,
		"records", found,
	)}, nil
}

func unsuccessful(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "error", "cancelled", "canceled", "rolled back":
		return true
	}
	return false
}
