package constant

// Byte sizes.
const (
	_  = iota
	KB = 1 << (10 * iota)
	MB
	GB
)

// MultipartEnvelope is the room left above the largest accepted model for
// the multipart framing and the form fields of an upload.
const MultipartEnvelope = 1 * MB
