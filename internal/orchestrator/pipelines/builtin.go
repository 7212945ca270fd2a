// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

// builtinPipelines returns the pipelines compiled into the binary.
func builtinPipelines() []*Pipeline {
	return []*Pipeline{
		scanCodebasePipeline(),
		inspectPackagesPipeline(),
		loadInventoryPipeline(),
		findVulnerabilitiesPipeline(),
		mapDeployToDevelopPipeline(),
	}
}
