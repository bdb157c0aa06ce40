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

package provider_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kernelbroker/kernelbroker/pkg/provider"
)

func TestSubstitutePlaceholdersReplacesKnownVariable(t *testing.T) {
	report := provider.SubstitutePlaceholders("token=${API_KEY}", map[string]string{"API_KEY": "secret"})
	require.Equal(t, "token=secret", report.Replaced)
	require.True(t, report.ReplacedVars["API_KEY"])
	require.Empty(t, report.MissingVars)
	require.Equal(t, 1, report.TotalVariables())
}

func TestSubstitutePlaceholdersLeavesMissingVariableInPlace(t *testing.T) {
	report := provider.SubstitutePlaceholders("${UNSET}", map[string]string{})
	require.Equal(t, "${UNSET}", report.Replaced)
	require.True(t, report.MissingVars["UNSET"])
	require.Empty(t, report.ReplacedVars)
}

func TestSubstitutePlaceholdersWalksNestedStructures(t *testing.T) {
	template := map[string]any{
		"env": map[string]any{
			"HOST": "${HOST}",
		},
		"args": []any{"--token=${TOKEN}", "--verbose"},
	}
	report := provider.SubstitutePlaceholders(template, map[string]string{
		"HOST":  "localhost",
		"TOKEN": "abc123",
	})

	replaced := report.Replaced.(map[string]any)
	env := replaced["env"].(map[string]any)
	require.Equal(t, "localhost", env["HOST"])

	args := replaced["args"].([]any)
	require.Equal(t, "--token=abc123", args[0])
	require.Equal(t, "--verbose", args[1])

	require.True(t, report.ReplacedVars["HOST"])
	require.True(t, report.ReplacedVars["TOKEN"])
}

func TestSubstitutePlaceholdersIgnoresScalarsAndNumbers(t *testing.T) {
	template := map[string]any{"count": float64(3), "enabled": true}
	report := provider.SubstitutePlaceholders(template, nil)
	replaced := report.Replaced.(map[string]any)
	require.Equal(t, float64(3), replaced["count"])
	require.Equal(t, true, replaced["enabled"])
	require.Zero(t, report.TotalVariables())
}

func TestSubstitutePlaceholdersCountsDistinctNames(t *testing.T) {
	report := provider.SubstitutePlaceholders("${A}-${A}-${B}", map[string]string{"A": "x"})
	require.Equal(t, "x-x-${B}", report.Replaced)
	require.Equal(t, 2, report.TotalVariables())
}
