package etok

import "errors"

var ErrIncompleteIdentity = errors.New("token identity requires tenant and user")
