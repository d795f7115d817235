package client

import (
	"fmt"

	"github.com/moffa90/go-nanohub/upload"
)

// UploadError reports an upload the hub did not accept.
type UploadError struct {
	// Reply is the final FINISH_FIRMWARE_UPLOAD reply
	Reply upload.Reply

	// Chunk is the chunk reply that ended the upload early, or
	// ChunkAccepted if every chunk went through
	Chunk upload.ChunkReply

	// Offset is the image offset of the chunk that ended the upload
	Offset uint32
}

func (e *UploadError) Error() string {
	if e.Chunk != upload.ChunkAccepted {
		return fmt.Sprintf("upload failed at offset %d: chunk %s (finish: %s)", e.Offset, e.Chunk, e.Reply)
	}
	return fmt.Sprintf("upload failed: %s", e.Reply)
}

// SequenceError reports a reply that does not answer the request sent.
type SequenceError struct {
	Want uint32
	Got  uint32
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("reply sequence mismatch: sent %d, got %d", e.Want, e.Got)
}
