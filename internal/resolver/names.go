package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"deployproof/internal/config"
	"deployproof/internal/domain"
)

type cleanRule struct {
	urlDecode bool
	extract   *regexp.Regexp
	remove    []*regexp.Regexp
}

// Cleaner normalizes component API names before they are compared with
// environment records.
type Cleaner struct {
	rules map[string]cleanRule
}

// NewCleaner compiles the cleaning rules of every configured type.
func NewCleaner(types config.ComponentQueryConfig) (*Cleaner, error) {
	c := &Cleaner{rules: make(map[string]cleanRule, len(types))}
	for typ, q := range types {
		r, err := compileRule(q)
		if err != nil {
			return nil, fmt.Errorf("component type %s: %w", typ, err)
		}
		c.rules[typ] = r
	}
	return c, nil
}

func compileRule(q config.TypeQuery) (cleanRule, error) {
	r := cleanRule{urlDecode: q.URLDecode}
	if q.Extract != "" {
		re, err := regexp.Compile(q.Extract)
		if err != nil {
			return r, fmt.Errorf("extract pattern: %w", err)
		}
		r.extract = re
	}
	for _, p := range q.Remove {
		re, err := regexp.Compile(p)
		if err != nil {
			return r, fmt.Errorf("remove pattern: %w", err)
		}
		r.remove = append(r.remove, re)
	}
	return r, nil
}

// Clean returns the comparable name of c. Types without rules only get the
// type prefix stripped.
func (c *Cleaner) Clean(comp domain.Component) string {
	var r cleanRule
	if c != nil {
		r = c.rules[comp.Type]
	}
	return r.apply(comp.Type, comp.APIName)
}

// CleanName cleans a single name with the rules of q.
func CleanName(componentType, name string, q config.TypeQuery) (string, error) {
	r, err := compileRule(q)
	if err != nil {
		return "", err
	}
	return r.apply(componentType, name), nil
}

func (r cleanRule) apply(componentType, name string) string {
	out := strings.TrimSpace(name)
	// only the component's own type is a prefix; "Account.Custom_Field__c" keeps its dot
	if prefix := componentType + "."; componentType != "" && strings.HasPrefix(out, prefix) {
		out = out[len(prefix):]
	}
	if r.urlDecode {
		if decoded, err := url.PathUnescape(out); err == nil {
			out = decoded
		}
	}
	if r.extract != nil {
		if m := r.extract.FindStringSubmatch(out); len(m) > 1 && strings.TrimSpace(m[1]) != "" {
			out = m[1]
		}
	}
	for _, re := range r.remove {
		out = re.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(out)
}
