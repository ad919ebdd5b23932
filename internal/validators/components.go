package validators

import (
	"context"
	"sort"
	"strings"

	"deployproof/internal/domain"
)

const (
	ComponentExists      = "component_exists"
	ComponentTimestamp   = "component_timestamp"
	FileMapping          = "file_mapping"
	MetadataContentMatch = "metadata_content_match"
)

type componentExists struct{}

func (componentExists) Name() string { return ComponentExists }

func (componentExists) Run(_ context.Context, components []domain.Component, vc *Context) (Result, error) {
	if len(components) == 0 {
		return Result{Status: domain.StatusSkipped, Details: details("reason", "no components to check")}, nil
	}
	matched := []string{}
	missing := []string{}
	records := []domain.ProductionRecord{}
	for _, c := range components {
		rec, ok := vc.Snapshot.Match(c)
		if !ok {
			missing = append(missing, c.Key())
			continue
		}
		matched = append(matched, c.Key())
		records = append(records, rec)
	}
	status := domain.StatusSuccess
	switch {
	case len(matched) == 0:
		status = domain.StatusFailed
	case len(missing) > 0:
		status = domain.StatusWarning
	}
	d := details(
		"found", len(matched),
		"not_found", len(missing),
		"matched_components", matched,
		"missing_components", missing,
		"records", records,
	)
	if vc.Snapshot != nil && len(vc.Snapshot.FailedGroups) > 0 {
		d["failed_groups"] = vc.Snapshot.FailedGroups
	}
	return Result{Status: status, Details: d}, nil
}

type componentTimestamp struct{}

func (componentTimestamp) Name() string { return ComponentTimestamp }

// Run compares each matched component's last modification in the environment
// with the newest commit touching it. A modification not before the commit is
// consistent.
func (componentTimestamp) Run(ctx context.Context, components []domain.Component, vc *Context) (Result, error) {
	consistent := []string{}
	inconsistent := []string{}
	inconclusive := []string{}
	var checks []map[string]any
	matched := 0
	for _, c := range components {
		rec, ok := vc.Snapshot.Match(c)
		if !ok {
			continue
		}
		matched++
		committed, ok, err := vc.NewestCommitDate(ctx, vc.ComponentCommits[c.Key()])
		if err != nil {
			return Result{}, err
		}
		if !ok {
			inconclusive = append(inconclusive, c.Key())
			continue
		}
		check := map[string]any{
			"component":     c.Key(),
			"compare_field": rec.MatchField,
			"commit_date":   committed,
			"last_modified": rec.LastModified,
		}
		if rec.LastModified.Before(committed) {
			inconsistent = append(inconsistent, c.Key())
			check["consistent"] = false
		} else {
			consistent = append(consistent, c.Key())
			check["consistent"] = true
		}
		checks = append(checks, check)
	}
	if matched == 0 {
		return Result{Status: domain.StatusSkipped, Details: details("reason", "no component found in the environment")}, nil
	}
	status := domain.StatusSuccess
	if len(consistent) != matched {
		status = domain.StatusWarning
	}
	return Result{Status: status, Details: details(
		"consistent", len(consistent),
		"inconsistent", len(inconsistent),
		"inconclusive", len(inconclusive),
		"consistent_components", consistent,
		"inconsistent_components", inconsistent,
		"inconclusive_components", inconclusive,
		"checks", checks,
	)}, nil
}

type fileMapping struct {
	rules map[string]string
}

func (fileMapping) Name() string { return FileMapping }

// Run never fails: unmapped types are reported as a warning.
func (f fileMapping) Run(_ context.Context, components []domain.Component, _ *Context) (Result, error) {
	if len(components) == 0 {
		return Result{Status: domain.StatusSkipped, Details: details("reason", "no components to map")}, nil
	}
	paths := map[string]string{}
	unmappedSet := map[string]bool{}
	for _, c := range components {
		rule, ok := f.rules[c.Type]
		if !ok || strings.TrimSpace(rule) == "" {
			unmappedSet[c.Type] = true
			continue
		}
		paths[c.Key()] = ExpandPath(rule, c.APIName)
	}
	unmapped := make([]string, 0, len(unmappedSet))
	for t := range unmappedSet {
		unmapped = append(unmapped, t)
	}
	sort.Strings(unmapped)
	status := domain.StatusSuccess
	if len(unmapped) > 0 {
		status = domain.StatusWarning
	}
	return Result{Status: status, Details: details(
		"mapped", len(paths),
		"unmapped_types", unmapped,
		"paths", paths,
	)}, nil
}

// ExpandPath fills a path rule. {name} is the API name; {object} and {field}
// split a dotted name such as Account.Custom_Field__c.
func ExpandPath(rule, apiName string) string {
	object, field := apiName, apiName
	if i := strings.Index(apiName, "."); i >= 0 {
		object, field = apiName[:i], apiName[i+1:]
	}
	return strings.NewReplacer("{name}", apiName, "{object}", object, "{field}", field).Replace(rule)
}

type metadataContentMatch struct{}

func (metadataContentMatch) Name() string { return MetadataContentMatch }

func (metadataContentMatch) Run(context.Context, []domain.Component, *Context) (Result, error) {
	return Result{
		Status:  domain.StatusSkipped,
		Details: details("reason", "content comparison capability unavailable"),
	}, nil
}
