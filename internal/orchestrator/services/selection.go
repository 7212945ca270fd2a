// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import "strings"

// ParseSelection parses the "name:group1,group2" form used by the CLI and
// the REST surface to select pipeline step groups.
func ParseSelection(s string) PipelineSelection {
	name, groupPart, found := strings.Cut(s, ":")
	selection := PipelineSelection{Name: strings.TrimSpace(name)}
	if !found {
		return selection
	}
	for _, group := range strings.Split(groupPart, ",") {
		if group = strings.TrimSpace(group); group != "" {
			selection.Groups = append(selection.Groups, group)
		}
	}
	return selection
}

// String renders the selection back to the "name:group1,group2" form.
func (s PipelineSelection) String() string {
	if len(s.Groups) == 0 {
		return s.Name
	}
	return s.Name + ":" + strings.Join(s.Groups, ",")
}
