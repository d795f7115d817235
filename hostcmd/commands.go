package hostcmd

import (
	"bytes"
	"encoding/binary"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/upload"
)

// command describes one request reason the server answers.
type command struct {
	reason protocol.Reason
	minLen int
	maxLen int

	// fast commands do not touch kernel state and run on the caller's
	// goroutine.
	fast bool

	// handle returns the reply payload. ts is the hub time at which the
	// request arrived.
	handle func(s *Server, data []byte, ts uint64) []byte
}

var commands = []command{
	{
		reason: protocol.ReasonGetOSHWVersions,
		fast:   true,
		handle: (*Server).getOSHWVersions,
	},
	{
		reason: protocol.ReasonGetAppVersions,
		minLen: protocol.AppVersionsRequestSize,
		maxLen: protocol.AppVersionsRequestSize,
		handle: (*Server).getAppVersions,
	},
	{
		reason: protocol.ReasonQueryAppInfo,
		minLen: protocol.AppInfoRequestSize,
		maxLen: protocol.AppInfoRequestSize,
		handle: (*Server).queryAppInfo,
	},
	{
		reason: protocol.ReasonStartFirmwareUpload,
		minLen: protocol.StartUploadRequestSize,
		maxLen: protocol.StartUploadRequestSize,
		handle: (*Server).startUpload,
	},
	{
		reason: protocol.ReasonFirmwareChunk,
		minLen: protocol.ChunkOffsetSize,
		maxLen: protocol.MaxPayloadSize,
		handle: (*Server).firmwareChunk,
	},
	{
		reason: protocol.ReasonFinishFirmwareUpload,
		handle: (*Server).finishUpload,
	},
	{
		reason: protocol.ReasonGetInterrupt,
		maxLen: protocol.InterruptBitmapSize,
		fast:   true,
		handle: (*Server).getInterrupt,
	},
	{
		reason: protocol.ReasonMaskInterrupt,
		minLen: 1,
		maxLen: 1,
		fast:   true,
		handle: (*Server).maskInterrupt,
	},
	{
		reason: protocol.ReasonUnmaskInterrupt,
		minLen: 1,
		maxLen: 1,
		fast:   true,
		handle: (*Server).unmaskInterrupt,
	},
	{
		reason: protocol.ReasonReadEvent,
		minLen: protocol.ReadEventRequestSize,
		maxLen: protocol.ReadEventRequestSize,
		fast:   true,
		handle: (*Server).readEvent,
	},
	{
		reason: protocol.ReasonWriteEvent,
		minLen: protocol.EventTypeSize,
		maxLen: protocol.MaxPayloadSize,
		handle: (*Server).writeEvent,
	},
}

func findCommand(reason protocol.Reason) *command {
	for i := range commands {
		if commands[i].reason == reason {
			return &commands[i]
		}
	}
	return nil
}

func boolByte(ok bool) []byte {
	if ok {
		return []byte{1}
	}
	return []byte{0}
}

func (s *Server) getOSHWVersions(_ []byte, _ uint64) []byte {
	return s.cfg.Versions.Bytes()
}

func (s *Server) getAppVersions(data []byte, _ uint64) []byte {
	id, _ := protocol.ParseAppVersionsRequest(data)
	_, ver, _, ok := s.k.AppInfoByID(image.AppID(id))
	if !ok {
		return nil
	}
	return binary.LittleEndian.AppendUint32(nil, ver)
}

func (s *Server) queryAppInfo(data []byte, _ uint64) []byte {
	idx, _ := protocol.ParseAppInfoRequest(data)
	id, ver, size, ok := s.k.AppInfoByIndex(int(idx))
	if !ok {
		return nil
	}
	return protocol.AppInfo{ID: uint64(id), Version: ver, Size: size}.Bytes()
}

func (s *Server) startUpload(data []byte, _ uint64) []byte {
	size, crc, _ := protocol.ParseStartUploadRequest(data)
	return boolByte(s.up.Start(size, crc))
}

func (s *Server) firmwareChunk(data []byte, _ uint64) []byte {
	offset, chunk, _ := protocol.ParseChunkRequest(data)
	reply := s.up.Chunk(offset, chunk)
	if reply != upload.ChunkAccepted {
		s.logDebug("chunk not accepted", "offset", offset, "reply", reply)
	}
	return []byte{byte(reply)}
}

func (s *Server) finishUpload(_ []byte, _ uint64) []byte {
	reply := s.up.Finish()
	s.logDebug("finish upload", "reply", reply)
	return []byte{byte(reply)}
}

func (s *Server) getInterrupt(data []byte, _ uint64) []byte {
	if len(data) == protocol.InterruptBitmapSize {
		s.irq.ClearBitmap(data)
	}
	return s.irq.Bytes()
}

func (s *Server) maskInterrupt(data []byte, _ uint64) []byte {
	s.irq.Mask(uint32(data[0]))
	return boolByte(true)
}

func (s *Server) unmaskInterrupt(data []byte, _ uint64) []byte {
	s.irq.Unmask(uint32(data[0]))
	return boolByte(true)
}

func (s *Server) readEvent(data []byte, ts uint64) []byte {
	hostTime, _ := protocol.ParseReadEventRequest(data)
	s.tsync.add(hostTime, ts)

	evt, more := s.out.pop()
	if !more {
		s.irq.Clear(protocol.IntWakeup)
	}
	return evt
}

func (s *Server) writeEvent(data []byte, _ uint64) []byte {
	evt, err := protocol.ParseEvent(data)
	if err != nil || evt == nil {
		return boolByte(false)
	}

	if evt.Type != protocol.EventAppFromHost {
		ok := s.k.EnqueueOrFree(kernel.EventType(evt.Type), bytes.Clone(evt.Data), nil)
		return boolByte(ok)
	}

	raw, err := protocol.ParseRawPacket(evt.Data)
	if err != nil {
		s.logDebug("bad app message", "error", err)
		return boolByte(false)
	}
	tid, ok := s.k.TidByAppID(image.AppID(raw.AppID))
	if !ok {
		s.logDebug("message for unknown app", "app", raw.AppID)
		return boolByte(false)
	}
	ok = s.k.EnqueuePrivate(kernel.EvtAppFromHost, bytes.Clone(raw.Data), nil, tid)
	return boolByte(ok)
}
