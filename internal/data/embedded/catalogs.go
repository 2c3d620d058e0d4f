// Package embedded provides access to data files compiled into the binary.
package embedded

import _ "embed"

// ToolCatalogData contains the embedded catalog of built-in local tool declarations.
//
//go:embed tools.yaml
var ToolCatalogData []byte
