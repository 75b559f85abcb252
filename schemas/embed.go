package schemas

import "embed"

// Files holds the versioned JSON Schemas for every document the lab reads or writes.
//
//go:embed v1/*.schema.json
var Files embed.FS
