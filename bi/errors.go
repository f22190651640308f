package bi

import "errors"

var (
	// ErrResourceExhausted indicates a pool or allocator could not satisfy the request.
	ErrResourceExhausted = errors.New("blkintegrity: resource exhausted")
	// ErrRequestTooLarge indicates the mapping exceeds the device's hardware limits.
	ErrRequestTooLarge = errors.New("blkintegrity: request exceeds device limits")
	// ErrPayloadAttached indicates the request already carries an integrity payload.
	ErrPayloadAttached = errors.New("blkintegrity: integrity payload already attached")
	// ErrCopyFault indicates a partial copy to or from the caller's buffer.
	ErrCopyFault = errors.New("blkintegrity: short copy to or from caller buffer")
	// ErrChecksumMismatch indicates verification found corrupted integrity metadata.
	ErrChecksumMismatch = errors.New("blkintegrity: checksum mismatch")
)

// ErrInvalidHandle reports use of a nil or released resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or released " + e.Resource + " handle"
}
