// Copyright 2025 The Kernelbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provider implements remote tool provider clients: transport
// detection over a server_params map (spec.md §4.3/§4.4) and
// ${NAME} placeholder substitution for registry templates. Grounded
// on _examples/original_source/ipybox's replace_variables, whose
// contract is captured by tests/unit/test_replace_variables.py.
package provider

import "regexp"

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// SubstitutionReport records which placeholders were resolved and
// which were left untouched because no value was supplied, mirroring
// the original's ReplaceResult(replaced, replaced_variables,
// missing_variables).
type SubstitutionReport struct {
	Replaced         any
	ReplacedVars     map[string]bool
	MissingVars      map[string]bool
}

// TotalVariables returns the number of distinct placeholder names
// referenced anywhere in the template.
func (r *SubstitutionReport) TotalVariables() int {
	return len(r.ReplacedVars) + len(r.MissingVars)
}

// SubstitutePlaceholders walks template (built from decoded JSON:
// maps, slices, strings, and scalars) replacing every ${NAME}
// occurrence found in a string with variables[NAME]. Placeholders with
// no matching variable are left in place, literally, and recorded as
// missing rather than erroring -- the server_params payload using them
// is still usable for fields that don't need the missing value.
func SubstitutePlaceholders(template any, variables map[string]string) *SubstitutionReport {
	report := &SubstitutionReport{
		ReplacedVars: make(map[string]bool),
		MissingVars:  make(map[string]bool),
	}
	report.Replaced = substitute(template, variables, report)
	return report
}

func substitute(node any, variables map[string]string, report *SubstitutionReport) any {
	switch v := node.(type) {
	case string:
		return substituteString(v, variables, report)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = substitute(val, variables, report)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = substitute(val, variables, report)
		}
		return out
	default:
		return node
	}
}

func substituteString(s string, variables map[string]string, report *SubstitutionReport) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := variables[name]; ok {
			report.ReplacedVars[name] = true
			return value
		}
		report.MissingVars[name] = true
		return match
	})
}
