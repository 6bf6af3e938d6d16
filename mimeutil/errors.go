package mimeutil

import "errors"

var (
	ErrMalformedHeader  = errors.New("malformed mime header block")
	ErrNoBoundary       = errors.New("multipart content type carries no boundary parameter")
	ErrBoundaryNotFound = errors.New("multipart boundary not found in content")
	ErrPartNotFound     = errors.New("no part with the requested content type")
	ErrBadEncoding      = errors.New("content transfer decoding failed")
)
