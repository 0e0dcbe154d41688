package schema

import _ "embed"

// SidecarV1Schema contains the JSON schema for sidecar configuration files.
//
//go:embed sidecar.v1.json
var SidecarV1Schema []byte
