package upload

import (
	"fmt"

	"github.com/moffa90/go-nanohub/appsec"
)

// ChunkReply is the per-chunk answer sent to the host.
type ChunkReply uint8

const (
	// ChunkAccepted means the chunk was taken; send the next one.
	ChunkAccepted ChunkReply = iota
	// ChunkWait means the shared area is being erased; retry later.
	ChunkWait
	// ChunkResend means the previous chunk is still being processed.
	ChunkResend
	// ChunkRestart means the offset was wrong; start over from offset 0.
	ChunkRestart
	// ChunkCancel means the upload was cancelled.
	ChunkCancel
	// ChunkCancelNoRetry means the upload cannot succeed.
	ChunkCancelNoRetry
)

var chunkReplyNames = [...]string{
	ChunkAccepted:      "accepted",
	ChunkWait:          "wait",
	ChunkResend:        "resend",
	ChunkRestart:       "restart",
	ChunkCancel:        "cancel",
	ChunkCancelNoRetry: "cancel no retry",
}

func (r ChunkReply) String() string {
	if int(r) < len(chunkReplyNames) {
		return chunkReplyNames[r]
	}
	return fmt.Sprintf("chunk reply(%d)", uint8(r))
}

// Reply is the answer to a finish request.
type Reply uint8

const (
	Success Reply = iota
	Processing
	WaitingForData
	KeyNotFound
	HeaderError
	TooMuchData
	TooLittleData
	SigVerifyFail
	SigDecodeFail
	SigRootUnknown
	MemoryError
	InvalidData
	VerifyFailed
	Bad
)

var replyNames = [...]string{
	Success:        "success",
	Processing:     "processing",
	WaitingForData: "waiting for data",
	KeyNotFound:    "key not found",
	HeaderError:    "header error",
	TooMuchData:    "too much data",
	TooLittleData:  "too little data",
	SigVerifyFail:  "signature verify failed",
	SigDecodeFail:  "signature decode failed",
	SigRootUnknown: "signature root unknown",
	MemoryError:    "memory error",
	InvalidData:    "invalid data",
	VerifyFailed:   "verify failed",
	Bad:            "bad",
}

func (r Reply) String() string {
	if int(r) < len(replyNames) {
		return replyNames[r]
	}
	return fmt.Sprintf("upload reply(%d)", uint8(r))
}

// ReplyFor maps a verifier status to the host reply. Statuses without a
// dedicated reply map to Bad.
func ReplyFor(st appsec.Status) Reply {
	switch st {
	case appsec.OK:
		return Success
	case appsec.KeyNotFound:
		return KeyNotFound
	case appsec.HeaderError:
		return HeaderError
	case appsec.TooMuchData:
		return TooMuchData
	case appsec.TooLittleData:
		return TooLittleData
	case appsec.SigVerifyFail:
		return SigVerifyFail
	case appsec.SigDecodeFail:
		return SigDecodeFail
	case appsec.SigRootUnknown:
		return SigRootUnknown
	case appsec.MemoryError:
		return MemoryError
	case appsec.InvalidData:
		return InvalidData
	case appsec.VerifyFailed:
		return VerifyFailed
	default:
		return Bad
	}
}
