// Package publish uploads local files to the knowledge-base service and
// attaches them to knowledge collections.
//
// Publishing is a two-step operation: the file content is uploaded, which
// yields a remote file id, and that id is then attached to a collection.
// Both steps must succeed for a publish to succeed. Nothing here retries;
// a failed publish is reported to the caller as a *PublishError.
package publish

import (
	"context"
	"errors"
	"fmt"
)

// Publisher performs the combined upload and attach operation.
type Publisher interface {
	// Publish uploads filePath and attaches the resulting file to
	// knowledgeID, returning the remote file id.
	Publish(ctx context.Context, filePath, knowledgeID string) (fileID string, err error)
}

// Step names the half of a publish that failed.
type Step string

const (
	// StepUpload is the content upload that produces a remote file id.
	StepUpload Step = "upload"
	// StepAttach links an uploaded file id to a knowledge collection.
	StepAttach Step = "attach"
)

// PublishError reports a failed publish and the step that failed.
//
// When Step is StepAttach, FileID holds the id of the uploaded file that
// was left unattached on the remote side.
type PublishError struct {
	Step        Step
	FilePath    string
	KnowledgeID string
	FileID      string

	// StatusCode is the HTTP status returned by the service, or 0 when the
	// request never produced a response.
	StatusCode int

	Err error
}

func (e *PublishError) Error() string {
	switch e.Step {
	case StepAttach:
		return fmt.Sprintf("failed to attach file %s (%s) to knowledge %s: %v", e.FileID, e.FilePath, e.KnowledgeID, e.Err)
	default:
		return fmt.Sprintf("failed to upload %s: %v", e.FilePath, e.Err)
	}
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsUploadError reports whether err is a publish failure in the upload step.
func IsUploadError(err error) bool {
	var pubErr *PublishError
	return errors.As(err, &pubErr) && pubErr.Step == StepUpload
}

// IsAttachError reports whether err is a publish failure in the attach step.
func IsAttachError(err error) bool {
	var pubErr *PublishError
	return errors.As(err, &pubErr) && pubErr.Step == StepAttach
}
