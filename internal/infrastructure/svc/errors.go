package svc

import "errors"

// ErrNoStrategies means the config listed no tradable symbols.
var ErrNoStrategies = errors.New("no strategies configured")
