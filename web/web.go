package web

import _ "embed"

// Index is the page served when no static dir is configured.
//
//go:embed index.html
var Index []byte
