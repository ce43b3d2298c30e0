// Package events provides the notification channel between the illustration
// pipeline and its observers.
//
// The task manager emits an IllustrationStatusEvent on every status
// transition; reading views and other consumers subscribe through a handler
// without the pipeline knowing anything about them. Handler failures are
// logged and never propagate back into task execution.
package events
