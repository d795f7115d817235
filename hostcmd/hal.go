package hostcmd

import (
	"encoding/binary"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/upload"
)

// handleHal runs one HAL message on the kernel loop. Replies travel back
// to the host as app-to-host events from the HAL app.
func (s *Server) handleHal(data []byte) {
	m, err := protocol.ParseHalMessage(data)
	if err != nil {
		s.logDebug("bad HAL message", "error", err)
		return
	}

	switch m.Msg {
	case protocol.HalExtAppsOn, protocol.HalExtAppsOff, protocol.HalExtAppDelete:
		id, err := protocol.ParseUint64(m.Body)
		if err != nil {
			s.logDebug("bad HAL app request", "msg", m.Msg, "error", err)
			return
		}
		appID := image.AppID(id)
		var st kernel.MgmtStatus
		switch m.Msg {
		case protocol.HalExtAppsOn:
			st = s.k.StartApps(appID.Vendor(), appID.Seq())
		case protocol.HalExtAppsOff:
			st = s.k.StopApps(appID.Vendor(), appID.Seq())
		default:
			st = s.k.EraseApps(appID.Vendor(), appID.Seq())
		}
		s.logInfo("app management", "msg", m.Msg, "app", appID, "status", uint32(st))
		s.sendHal(m.Msg, binary.LittleEndian.AppendUint32(nil, uint32(st)))

	case protocol.HalQueryMemInfo:
		// Not supported; the host gets no reply.

	case protocol.HalQueryApps:
		idx, err := protocol.ParseUint32(m.Body)
		if err != nil {
			return
		}
		id, ver, size, ok := s.k.AppInfoByIndex(int(idx))
		if !ok {
			s.sendHal(m.Msg, nil)
			return
		}
		body := protocol.AppInfo{ID: uint64(id), Version: ver, Size: size}.Bytes()
		body = binary.LittleEndian.AppendUint32(body, 0) // RAM use is not tracked
		s.sendHal(m.Msg, body)

	case protocol.HalQueryRSAKeys:
		offset, err := protocol.ParseUint32(m.Body)
		if err != nil {
			return
		}
		keys := s.cfg.TrustedKeys.Bytes()
		var chunk []byte
		if int(offset) < len(keys) {
			chunk = keys[offset:min(len(keys), int(offset)+protocol.RSAKeyChunkSize)]
		}
		s.sendHal(m.Msg, chunk)

	case protocol.HalStartUpload:
		length, err := protocol.ParseUint32(m.Body)
		if err != nil {
			return
		}
		s.sendHal(m.Msg, boolByte(s.up.Start(length, 0)))

	case protocol.HalContUpload:
		offset, chunk, err := protocol.ParseChunkRequest(m.Body)
		if err != nil {
			return
		}
		reply := s.up.ChunkAsync(offset, chunk, func(ok bool) {
			s.sendHal(protocol.HalContUpload, boolByte(ok))
		})
		if reply != upload.ChunkAccepted {
			s.logDebug("HAL chunk not accepted", "offset", offset, "reply", reply)
			s.sendHal(m.Msg, boolByte(false))
		}

	case protocol.HalFinishUpload:
		s.sendHal(m.Msg, boolByte(s.up.Finish() == upload.Success))

	case protocol.HalReboot:
		s.logInfo("reboot requested")
		if s.cfg.Reboot != nil {
			s.cfg.Reboot()
		}

	default:
		s.logDebug("unknown HAL message", "msg", m.Msg)
	}
}

// sendHal broadcasts a HAL reply; the server app picks it up and queues it
// for the host.
func (s *Server) sendHal(msg protocol.HalMsg, body []byte) {
	raw := protocol.RawPacket{
		AppID: protocol.HalAppID,
		Data:  append([]byte{byte(msg)}, body...),
	}
	if !s.k.EnqueueOrFree(kernel.EvtAppToHost, raw, nil) {
		s.logError("cannot queue HAL reply", "msg", msg)
	}
}
