package assets

import (
	_ "embed"
)

// AutoAcceptJS installs window.__autoaccept in a target. Evaluating it
// again is a no-op while the same version is present. activate refuses
// until configure has been called, and again after stop.
//
//go:embed autoaccept.js
var AutoAcceptJS string

// HelperVersion must match VERSION in autoaccept.js.
const HelperVersion = 4
