package webassets

import "embed"

// FS contains the console shell page and its client script.
//
//go:embed console.html console-client.js
var FS embed.FS
