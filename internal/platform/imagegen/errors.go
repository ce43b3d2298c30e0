package imagegen

import "errors"

// Error classification for image generation failures. The task manager
// decides retry vs. permanent failure purely through Retryable, so every
// error returned by the client wraps exactly one of these sentinels.
var (
	// ErrInvalidConfig indicates missing or malformed client configuration.
	// Surfaced at construction time only; the pipeline refuses to start.
	ErrInvalidConfig = errors.New("invalid image generation configuration")

	// ErrNetwork covers transport failures and timeouts. Retryable.
	ErrNetwork = errors.New("image api network error")

	// ErrAPITransient covers server-side failures the service may recover
	// from: 408, 429 and all 5xx statuses. Retryable.
	ErrAPITransient = errors.New("image api transient error")

	// ErrAPIPermanent covers client errors: malformed requests, content
	// policy rejections and other non-2xx statuses that retrying cannot fix.
	ErrAPIPermanent = errors.New("image api permanent error")

	// ErrInvalidResponse covers responses the client cannot act on: malformed
	// JSON, invalid base64, or no image data in any prediction. Not
	// retryable; the same request would produce the same response.
	ErrInvalidResponse = errors.New("invalid image api response")

	// ErrStorage covers failures writing or reading image files under the
	// storage root. Treated as transient disk/IO trouble and retried within
	// the same attempt budget.
	ErrStorage = errors.New("illustration storage error")
)

// Retryable reports whether the task manager should re-enqueue the failed
// task with backoff rather than failing it permanently.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrAPITransient) ||
		errors.Is(err, ErrStorage)
}
