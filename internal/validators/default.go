package validators

import (
	"deployproof/internal/config"
)

// Default registers the built-in validators.
func Default(cfg config.ValidatorConfig, fileMappings map[string]string) (*Registry, error) {
	contents, err := ContentsOptionsFrom(cfg.Spec(CommitContents).Options)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	r.MustRegister(commitExists{})
	r.MustRegister(filesInCommit{})
	r.MustRegister(componentExists{})
	r.MustRegister(componentTimestamp{})
	r.MustRegister(deploymentRecord{name: CopadoDeploymentRecord, source: SourceCopado})
	r.MustRegister(deploymentRecord{name: SalesforceDeploymentRecord, source: SourceSalesforce})
	r.MustRegister(fileMapping{rules: fileMappings})
	r.MustRegister(commitContents{opts: contents})
	r.MustRegister(metadataContentMatch{})
	return r, nil
}
