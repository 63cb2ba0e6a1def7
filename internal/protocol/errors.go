package protocol

import "errors"

var ErrUnknownMethod = errors.New("unknown method")
